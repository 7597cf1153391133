package connector

import (
	"sort"
	"sync"
	"time"
)

// Health is the last reported condition of one connector.
type Health struct {
	Connector  string    `json:"connector"`
	Healthy    bool      `json:"healthy"`
	Detail     string    `json:"detail,omitempty"`
	ReportedAt time.Time `json:"reportedAt"`
}

// HealthRegistry tracks connector health as reported by the dispatch layer.
// Connectors with no report, or whose last report has gone stale, count as
// healthy: health data is advisory and must not wedge the pipeline when the
// reporter itself is down.
type HealthRegistry struct {
	mu      sync.RWMutex
	reports map[string]Health
	ttl     time.Duration
	clock   func() time.Time
}

// DefaultHealthTTL bounds how long an unhealthy report blocks planning.
const DefaultHealthTTL = 5 * time.Minute

// NewHealthRegistry creates a registry with the default report TTL.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{
		reports: make(map[string]Health),
		ttl:     DefaultHealthTTL,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (r *HealthRegistry) WithClock(clock func() time.Time) *HealthRegistry {
	r.clock = clock
	return r
}

// WithTTL overrides the report freshness window.
func (r *HealthRegistry) WithTTL(ttl time.Duration) *HealthRegistry {
	r.ttl = ttl
	return r
}

// Report records the dispatch layer's view of one connector.
func (r *HealthRegistry) Report(connector string, healthy bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[connector] = Health{
		Connector:  connector,
		Healthy:    healthy,
		Detail:     detail,
		ReportedAt: r.clock(),
	}
}

// Status returns the effective health of a connector.
func (r *HealthRegistry) Status(connector string) Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.reports[connector]
	if !ok {
		return Health{Connector: connector, Healthy: true}
	}
	if r.clock().Sub(h.ReportedAt) > r.ttl {
		// A stale report no longer blocks; the condition may have cleared.
		return Health{Connector: connector, Healthy: true, Detail: "last report expired", ReportedAt: h.ReportedAt}
	}
	return h
}

// Snapshot lists the effective health of the named connectors, sorted, for
// audit evidence summaries.
func (r *HealthRegistry) Snapshot(connectors []string) []Health {
	seen := make(map[string]struct{}, len(connectors))
	names := make([]string, 0, len(connectors))
	for _, c := range connectors {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		names = append(names, c)
	}
	sort.Strings(names)

	out := make([]Health, 0, len(names))
	for _, c := range names {
		out = append(out, r.Status(c))
	}
	return out
}
