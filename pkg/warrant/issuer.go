package warrant

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/munigrid/mandate/pkg/decision"
)

// Warrant lifetime and addressing.
const (
	DefaultTTL = 15 * time.Minute
	issuerName = "munigrid.dev/mandate"
	audience   = "mandate.dispatch"
)

// Claims bind one plan step to its plan hash.
type Claims struct {
	jwt.RegisteredClaims
	WorkspaceID string `json:"workspaceId"`
	RequestID   string `json:"requestId"`
	StepID      string `json:"stepId"`
	Connector   string `json:"connector"`
	PlanHash    string `json:"planHash"`
}

// Issuer mints and verifies step warrants against a workspace keyring.
type Issuer struct {
	keys *Keyring
	ttl  time.Duration
	now  func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL overrides the warrant lifetime.
func WithTTL(d time.Duration) Option {
	return func(i *Issuer) { i.ttl = d }
}

// WithClock overrides the clock for testing.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an Issuer over the keyring.
func NewIssuer(keys *Keyring, opts ...Option) *Issuer {
	i := &Issuer{keys: keys, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue signs a warrant for one step of an approved plan.
func (i *Issuer) Issue(workspaceID, requestID string, step decision.PlanStep, planHash string) (string, error) {
	key, err := i.keys.workspaceKey(workspaceID)
	if err != nil {
		return "", err
	}
	now := i.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   step.StepID,
			Issuer:    issuerName,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		WorkspaceID: workspaceID,
		RequestID:   requestID,
		StepID:      step.StepID,
		Connector:   step.Connector,
		PlanHash:    planHash,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("warrant: sign %s: %w", step.StepID, err)
	}
	return token, nil
}

// Stamp issues a warrant for every step in place.
func (i *Issuer) Stamp(workspaceID, requestID string, steps []decision.PlanStep, planHash string) error {
	for idx := range steps {
		token, err := i.Issue(workspaceID, requestID, steps[idx], planHash)
		if err != nil {
			return err
		}
		steps[idx].Warrant = token
	}
	return nil
}

// Verify checks a warrant against the workspace key, the EdDSA method, and
// the issuer/audience/expiry claims.
func (i *Issuer) Verify(workspaceID, token string) (*Claims, error) {
	pub, err := i.keys.PublicKey(workspaceID)
	if err != nil {
		return nil, err
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("warrant: unexpected signing method %v", t.Header["alg"])
			}
			return pub, nil
		},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(issuerName),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
