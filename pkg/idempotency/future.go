package idempotency

import (
	"context"
	"sync"

	"github.com/munigrid/mandate/pkg/decision"
)

// Future is the one-shot handle duplicate in-process submissions wait on.
// Every waiter receives its own deep copy of the resolved result, so no two
// callers ever share mutable state.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result *decision.Result
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Wait blocks until the evaluation resolves, the evaluation is abandoned, or
// ctx ends. On success the caller gets a private deep copy.
func (f *Future) Wait(ctx context.Context) (*decision.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.result.Clone()
	}
}

// resolve publishes a private copy of res to all waiters. First call wins.
func (f *Future) resolve(res *decision.Result) {
	f.once.Do(func() {
		master, err := res.Clone()
		if err != nil {
			f.err = err
		} else {
			f.result = master
		}
		close(f.done)
	})
}

// reject fails all waiters. First call wins.
func (f *Future) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}
