package boundary

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/munigrid/mandate/pkg/canonicalize"
	"github.com/munigrid/mandate/pkg/decision"
)

// Fetch limits.
const (
	DefaultMaxDocumentBytes = int64(1 << 20)
	DefaultFetchTimeout     = 5 * time.Second
)

var errRedirectRefused = errors.New("boundary: redirects are not followed")

// Fault is a recordable canonical-verification failure. Every failure mode
// in this step is a fault; there is no silent pass.
type Fault struct {
	Reason      string
	Toast       string
	Focus       string
	Remediation []string
}

// Verifier fetches a canonical plan document through the perimeter and
// cross-checks it against the caller's hash assertion and the locally
// computed plan hash.
type Verifier struct {
	perimeter *Perimeter
	client    *http.Client
	maxBytes  int64
	log       *slog.Logger

	timeout time.Duration
	tlsConf *tls.Config
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithMaxDocumentBytes caps the fetched document size.
func WithMaxDocumentBytes(n int64) VerifierOption {
	return func(v *Verifier) { v.maxBytes = n }
}

// WithFetchTimeout bounds the whole fetch.
func WithFetchTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.timeout = d }
}

// WithTLSClientConfig overrides transport TLS settings, for tests against
// local servers.
func WithTLSClientConfig(cfg *tls.Config) VerifierOption {
	return func(v *Verifier) { v.tlsConf = cfg }
}

// WithVerifierLogger overrides the default logger.
func WithVerifierLogger(log *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.log = log }
}

// NewVerifier builds a Verifier whose HTTP client dials exclusively through
// the perimeter and never follows redirects.
func NewVerifier(p *Perimeter, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		perimeter: p,
		maxBytes:  DefaultMaxDocumentBytes,
		timeout:   DefaultFetchTimeout,
		log:       slog.Default().With("component", "boundary"),
	}
	for _, opt := range opts {
		opt(v)
	}
	transport := &http.Transport{
		DialContext:           p.DialContext,
		TLSClientConfig:       v.tlsConf,
		TLSHandshakeTimeout:   v.timeout,
		ResponseHeaderTimeout: v.timeout,
		DisableKeepAlives:     true,
	}
	v.client = &http.Client{
		Transport: transport,
		Timeout:   v.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return errRedirectRefused
		},
	}
	return v
}

// Verify fetches the canonical document and compares its content hash to the
// asserted hash, then its embedded plan hash to the locally computed one.
// A nil return means both checks passed.
func (v *Verifier) Verify(ctx context.Context, canonicalURL, assertedHash, localPlanHash string) *Fault {
	u, err := url.Parse(strings.TrimSpace(canonicalURL))
	if err != nil || u.Hostname() == "" {
		return unavailable("Canonical URL is not a valid URL.")
	}
	if u.Scheme != "https" {
		return unavailable("Canonical source must be served over HTTPS.")
	}
	// The allow-list verdict comes before any resolution; a hostile name
	// never reaches DNS.
	if !v.perimeter.HostAllowed(u.Hostname()) {
		return unavailable(fmt.Sprintf("Canonical host %q is not allow-listed.", u.Hostname()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return unavailable("Canonical URL could not be requested.")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.log.Warn("canonical fetch failed", "host", u.Hostname(), "error", err)
		if errors.Is(err, errRedirectRefused) {
			return unavailable("Canonical source attempted a redirect.")
		}
		return unavailable("Canonical source could not be fetched.")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return unavailable(fmt.Sprintf("Canonical source returned status %d.", resp.StatusCode))
	}
	if !jsonContentType(resp.Header.Get("Content-Type")) {
		return unavailable(fmt.Sprintf("Canonical source returned %q, not JSON.", resp.Header.Get("Content-Type")))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, v.maxBytes+1))
	if err != nil {
		v.log.Warn("canonical read failed", "host", u.Hostname(), "error", err)
		return unavailable("Canonical document could not be read.")
	}
	if int64(len(body)) > v.maxBytes {
		return unavailable(fmt.Sprintf("Canonical document exceeds the %d byte limit.", v.maxBytes))
	}

	canon, err := canonicalize.Transform(body)
	if err != nil {
		return unavailable("Canonical document is not valid JSON.")
	}
	if !hashEqual(assertedHash, canonicalize.Digest(canon)) {
		return &Fault{
			Reason:      decision.ReasonCanonicalDiverged,
			Toast:       "Canonical document does not match the asserted canonicalHash.",
			Focus:       "metadata.canonicalHash",
			Remediation: []string{"refresh_canonical_assertion"},
		}
	}

	var doc struct {
		PlanHash string `json:"planHash"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || !hashEqual(doc.PlanHash, localPlanHash) {
		return &Fault{
			Reason:      decision.ReasonResyncRequired,
			Toast:       "Published canonical plan no longer matches the prepared plan.",
			Focus:       "metadata.canonicalUrl",
			Remediation: []string{"resync_canonical_plan"},
		}
	}
	return nil
}

func unavailable(toast string) *Fault {
	return &Fault{
		Reason:      decision.ReasonCanonicalUnavailable,
		Toast:       toast,
		Focus:       "metadata.canonicalUrl",
		Remediation: []string{"check_canonical_source"},
	}
}

func jsonContentType(header string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// hashEqual compares digests case-insensitively, tolerating an optional
// algorithm prefix on either side.
func hashEqual(a, b string) bool {
	na := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(a), "sha256:"))
	nb := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(b), "sha256:"))
	return na != "" && na == nb
}
