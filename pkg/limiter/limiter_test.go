package limiter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreBurst(t *testing.T) {
	l := New(NewLocalStore(), Policy{PerMinute: 60, Burst: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check(ctx, "ws-clerks"), "request %d within burst", i+1)
	}

	err := l.Check(ctx, "ws-clerks")
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "ws-clerks")
}

func TestWorkspaceIsolation(t *testing.T) {
	l := New(NewLocalStore(), Policy{PerMinute: 60, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "ws-clerks"))
	require.ErrorIs(t, l.Check(ctx, "ws-clerks"), ErrRateLimited)

	// A different workspace draws from its own bucket.
	require.NoError(t, l.Check(ctx, "ws-parks"))
}

func TestDisabledLimiter(t *testing.T) {
	var l *Limiter
	require.NoError(t, l.Check(context.Background(), "ws-clerks"))
	require.NoError(t, New(nil, DefaultPolicy()).Check(context.Background(), "ws-clerks"))
}

type failingStore struct{ err error }

func (f failingStore) Allow(ctx context.Context, key string, policy Policy) (bool, error) {
	return false, f.err
}

func TestStoreErrorPropagates(t *testing.T) {
	boom := errors.New("redis unreachable")
	l := New(failingStore{err: boom}, DefaultPolicy())

	err := l.Check(context.Background(), "ws-clerks")
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrRateLimited)
}

func TestCancelledContext(t *testing.T) {
	l := New(NewLocalStore(), DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, l.Check(ctx, "ws-clerks"))
}
