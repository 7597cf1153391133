// Package limiter bounds evaluation throughput per workspace. The check runs
// before the idempotency claim, so a limited submission keeps its requestId
// and coalesces with the eventual retry instead of burning the id.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// ErrRateLimited marks a limited submission. It is transport feedback, not a
// recorded decision.
var ErrRateLimited = errors.New("limiter: rate limit exceeded")

// Policy is a per-key token bucket shape.
type Policy struct {
	PerMinute int
	Burst     int
}

// DefaultPolicy suits interactive municipal workloads.
func DefaultPolicy() Policy {
	return Policy{PerMinute: 120, Burst: 30}
}

// Store abstracts bucket state so multi-instance deployments can share it.
type Store interface {
	Allow(ctx context.Context, key string, policy Policy) (bool, error)
}

// Limiter applies one policy over a store. A nil Limiter or nil store
// disables limiting.
type Limiter struct {
	store  Store
	policy Policy
}

// New creates a Limiter.
func New(store Store, policy Policy) *Limiter {
	return &Limiter{store: store, policy: policy}
}

// Check consumes one token for the workspace. Store errors propagate: an
// unreachable shared store stops admission rather than silently unbounding it.
func (l *Limiter) Check(ctx context.Context, workspaceID string) error {
	if l == nil || l.store == nil {
		return nil
	}
	allowed, err := l.store.Allow(ctx, workspaceID, l.policy)
	if err != nil {
		return fmt.Errorf("limiter: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w: workspace %s", ErrRateLimited, workspaceID)
	}
	return nil
}

// LocalStore keeps per-key buckets in process.
type LocalStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocalStore creates an empty in-process store.
func NewLocalStore() *LocalStore {
	return &LocalStore{limiters: make(map[string]*rate.Limiter)}
}

// Allow implements Store.
func (s *LocalStore) Allow(ctx context.Context, key string, policy Policy) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(policy.PerMinute)/60, policy.Burst)
		s.limiters[key] = lim
	}
	s.mu.Unlock()
	return lim.Allow(), nil
}
