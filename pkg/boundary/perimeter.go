// Package boundary constrains how the pipeline reaches canonical plan
// sources: HTTPS only, a wildcard host allow-list checked before any DNS
// resolution, and an address screen that refuses private, link-local,
// loopback, and metadata-service destinations after resolution.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Perimeter errors.
var (
	ErrHostNotAllowed = errors.New("boundary: host not in allow-list")
	ErrAddressBlocked = errors.New("boundary: resolved address blocked")
	ErrSchemeDenied   = errors.New("boundary: scheme denied")
)

var metadataV4 = netip.MustParseAddr("169.254.169.254")

// Resolver is the DNS surface the perimeter depends on. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Perimeter is the egress policy for canonical-source fetches. Hosts are
// exact names or wildcard patterns ("*.munigrid.dev"); the allow-list is
// consulted before any name resolution so a hostile name never reaches DNS.
type Perimeter struct {
	mu       sync.RWMutex
	hosts    []string
	compiled []*regexp.Regexp

	resolver Resolver
	dialer   *net.Dialer

	// screen decides whether a resolved address is reachable. Overridden
	// in tests to admit loopback.
	screen func(netip.Addr) (string, bool)
}

// NewPerimeter compiles the allow-list. An empty list admits no host.
func NewPerimeter(hosts []string) (*Perimeter, error) {
	p := &Perimeter{
		resolver: net.DefaultResolver,
		dialer:   &net.Dialer{Timeout: 10 * time.Second},
		screen:   blockedAddr,
	}
	if err := p.Extend(hosts...); err != nil {
		return nil, err
	}
	return p, nil
}

// WithResolver overrides name resolution, for tests.
func (p *Perimeter) WithResolver(r Resolver) *Perimeter {
	p.resolver = r
	return p
}

// Extend adds hosts or wildcard patterns to the allow-list.
func (p *Perimeter) Extend(hosts ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, host := range hosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(host), `\*`, `[a-z0-9.-]*`) + "$"
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("boundary: host pattern %q: %w", host, err)
		}
		p.hosts = append(p.hosts, host)
		p.compiled = append(p.compiled, re)
	}
	return nil
}

// Hosts returns the configured allow-list entries.
func (p *Perimeter) Hosts() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.hosts...)
}

// HostAllowed reports whether a hostname matches the allow-list. The check
// is purely textual; no resolution happens here.
func (p *Perimeter) HostAllowed(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, re := range p.compiled {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// DialContext resolves the host, screens every resulting address, and dials
// only when all of them are acceptable. Wired into the HTTP transport so the
// screen also covers DNS answers that change between checks.
func (p *Perimeter) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("boundary: split %q: %w", addr, err)
	}
	if !p.HostAllowed(host) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}
	addrs, err := p.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("boundary: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("boundary: resolve %s: no addresses", host)
	}
	for _, a := range addrs {
		if class, blocked := p.screen(a.Unmap()); blocked {
			return nil, fmt.Errorf("%w: %s resolves to %s address %s", ErrAddressBlocked, host, class, a)
		}
	}

	var firstErr error
	for _, a := range addrs {
		conn, err := p.dialer.DialContext(ctx, network, net.JoinHostPort(a.Unmap().String(), port))
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// blockedAddr classifies addresses the perimeter never connects to.
func blockedAddr(a netip.Addr) (string, bool) {
	switch {
	case a == metadataV4:
		return "metadata-service", true
	case a.IsLoopback():
		return "loopback", true
	case a.IsPrivate():
		return "private", true
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return "link-local", true
	case a.IsUnspecified():
		return "unspecified", true
	case a.IsMulticast():
		return "multicast", true
	}
	return "", false
}
