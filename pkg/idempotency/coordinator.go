package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/munigrid/mandate/pkg/audit"
	"github.com/munigrid/mandate/pkg/decision"
)

// State classifies the outcome of a claim.
type State string

const (
	// StateAcquired grants this caller the evaluation. It must finish with
	// StoreResult or Abandon.
	StateAcquired State = "acquired"
	// StatePending means an in-process evaluation for the same id and
	// payload is underway; wait on the Future.
	StatePending State = "pending"
	// StateReplay returns the stored result of an identical earlier
	// submission.
	StateReplay State = "replay"
	// StateConflict means the id was seen with a different payload.
	StateConflict State = "conflict"
	// StateSchemaMismatch means the id was claimed under a different
	// result schema version.
	StateSchemaMismatch State = "schema_mismatch"
	// StateTimeout means a cross-process evaluation stayed pending past
	// the poll deadline. The caller should retry later.
	StateTimeout State = "timeout"
)

// Claim is the coordinator's answer to one claim attempt.
type Claim struct {
	State State
	// Future is set for StatePending.
	Future *Future
	// Result is set for StateReplay; it is a private copy.
	Result *decision.Result
	// StoredPayloadHash is set for StateConflict.
	StoredPayloadHash string
	// StoredSchemaVersion is set for StateSchemaMismatch.
	StoredSchemaVersion string
}

// PollPolicy controls how a claim waits on a row another process is still
// evaluating: exponential backoff with a cap, bounded by a total deadline.
type PollPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Deadline   time.Duration
}

// DefaultPollPolicy matches the submission layer's patience: quick first
// retries, settling at one-second probes, giving up after five seconds.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
		Deadline:   5 * time.Second,
	}
}

// Delay computes the backoff for a given attempt (0-indexed).
func (p PollPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Max {
			return p.Max
		}
	}
	if time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

type inflight struct {
	payloadHash   string
	schemaVersion string
	future        *Future
}

// Coordinator enforces at-most-once evaluation per (requestId, payloadHash)
// pair. In-process duplicates share a future; cross-process duplicates are
// resolved through the ledger.
type Coordinator struct {
	ledger Ledger
	log    *slog.Logger
	poll   PollPolicy
	sleep  func(context.Context, time.Duration) error

	mu       sync.Mutex
	inflight map[string]*inflight
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithPollPolicy overrides the cross-process poll behavior.
func WithPollPolicy(p PollPolicy) Option {
	return func(c *Coordinator) { c.poll = p }
}

// New creates a Coordinator over a ledger.
func New(ledger Ledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:   ledger,
		log:      slog.Default().With("component", "idempotency"),
		poll:     DefaultPollPolicy(),
		sleep:    sleepCtx,
		inflight: make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Claim resolves ownership of a request id. Expired rows are pruned first;
// then the in-flight map and the ledger are consulted in that order.
func (c *Coordinator) Claim(ctx context.Context, requestID, payloadHash string, now, expiresAt time.Time, schemaVersion string) (*Claim, error) {
	if requestID == "" {
		return nil, errors.New("idempotency: empty request id")
	}

	pruned, err := c.ledger.PruneExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("idempotency: prune: %w", err)
	}
	c.rejectPruned(pruned)

	remaining := c.poll.Deadline
	attempt := 0

	for {
		// 1. In-process duplicates share the running evaluation.
		c.mu.Lock()
		if inf, ok := c.inflight[requestID]; ok {
			claim := c.classifyInflight(inf, payloadHash, schemaVersion)
			c.mu.Unlock()
			return claim, nil
		}
		c.mu.Unlock()

		// 2. Consult the ledger.
		rec, err := c.ledger.Get(ctx, requestID)
		switch {
		case errors.Is(err, ErrNotFound):
			claim, acquired, err := c.tryAcquire(ctx, requestID, payloadHash, now, expiresAt, schemaVersion)
			if err != nil {
				return nil, err
			}
			if acquired {
				return claim, nil
			}
			// Lost a race; re-examine from the top.
			continue
		case err != nil:
			return nil, fmt.Errorf("idempotency: get: %w", err)
		}

		// 3. A row exists. Identity checks precede replay.
		if rec.PayloadHash != payloadHash {
			return &Claim{State: StateConflict, StoredPayloadHash: rec.PayloadHash}, nil
		}
		if rec.SchemaVersion != schemaVersion {
			return &Claim{State: StateSchemaMismatch, StoredSchemaVersion: rec.SchemaVersion}, nil
		}
		if rec.Decided() {
			var res decision.Result
			if err := json.Unmarshal(rec.ResultJSON, &res); err != nil {
				return nil, fmt.Errorf("idempotency: stored result for %s is unreadable: %w", requestID, err)
			}
			return &Claim{State: StateReplay, Result: &res}, nil
		}

		// 4. Another process is mid-evaluation: poll with backoff until
		// the row resolves, vanishes, or the deadline runs out.
		if remaining <= 0 {
			c.log.Warn("claim poll deadline exceeded", "request_id", requestID)
			return &Claim{State: StateTimeout}, nil
		}
		d := c.poll.Delay(attempt)
		attempt++
		if d > remaining {
			d = remaining
		}
		if err := c.sleep(ctx, d); err != nil {
			return nil, err
		}
		remaining -= d
	}
}

// StoreResult persists the decided result and its audit entry transactionally,
// then wakes every in-process waiter. Always called before control returns to
// the submitter, whatever the outcome.
func (c *Coordinator) StoreResult(ctx context.Context, requestID string, res *decision.Result, decidedAt time.Time) error {
	entry, err := audit.NewEntry(requestID, res, decidedAt)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("idempotency: marshal result: %w", err)
	}
	if err := c.ledger.StoreResult(ctx, requestID, raw, string(res.Status), decidedAt, entry); err != nil {
		return fmt.Errorf("idempotency: store result: %w", err)
	}

	c.mu.Lock()
	inf, ok := c.inflight[requestID]
	delete(c.inflight, requestID)
	c.mu.Unlock()
	if ok {
		inf.future.resolve(res)
	}
	return nil
}

// Abandon releases a claim after an unexpected failure: the ledger row is
// deleted so retries can claim the id, and in-process waiters fail fast.
func (c *Coordinator) Abandon(ctx context.Context, requestID string, cause error) error {
	delErr := c.ledger.Delete(ctx, requestID)

	c.mu.Lock()
	inf, ok := c.inflight[requestID]
	delete(c.inflight, requestID)
	c.mu.Unlock()
	if ok {
		if cause != nil {
			inf.future.reject(fmt.Errorf("%w: %v", ErrAbandoned, cause))
		} else {
			inf.future.reject(ErrAbandoned)
		}
	}

	if delErr != nil {
		c.log.Error("abandon could not delete claim; row expires naturally", "request_id", requestID, "error", delErr)
		return fmt.Errorf("idempotency: abandon delete: %w", delErr)
	}
	return nil
}

func (c *Coordinator) classifyInflight(inf *inflight, payloadHash, schemaVersion string) *Claim {
	if inf.schemaVersion != schemaVersion {
		return &Claim{State: StateSchemaMismatch, StoredSchemaVersion: inf.schemaVersion}
	}
	if inf.payloadHash != payloadHash {
		return &Claim{State: StateConflict, StoredPayloadHash: inf.payloadHash}
	}
	return &Claim{State: StatePending, Future: inf.future}
}

// tryAcquire reserves local ownership, then races the insert. A lost
// cross-process race dissolves the reservation and reports acquired=false so
// the caller re-examines the winner's row.
func (c *Coordinator) tryAcquire(ctx context.Context, requestID, payloadHash string, now, expiresAt time.Time, schemaVersion string) (*Claim, bool, error) {
	c.mu.Lock()
	if _, ok := c.inflight[requestID]; ok {
		c.mu.Unlock()
		return nil, false, nil
	}
	fut := newFuture()
	c.inflight[requestID] = &inflight{payloadHash: payloadHash, schemaVersion: schemaVersion, future: fut}
	c.mu.Unlock()

	inserted, _, err := c.ledger.Insert(ctx, Record{
		RequestID:     requestID,
		PayloadHash:   payloadHash,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
		SchemaVersion: schemaVersion,
	})
	if err != nil {
		c.dissolve(requestID, fut, err)
		return nil, false, fmt.Errorf("idempotency: insert claim: %w", err)
	}
	if !inserted {
		c.dissolve(requestID, fut, nil)
		return nil, false, nil
	}
	return &Claim{State: StateAcquired}, true, nil
}

func (c *Coordinator) dissolve(requestID string, fut *Future, cause error) {
	c.mu.Lock()
	if inf, ok := c.inflight[requestID]; ok && inf.future == fut {
		delete(c.inflight, requestID)
	}
	c.mu.Unlock()
	if cause != nil {
		fut.reject(fmt.Errorf("%w: %v", ErrAbandoned, cause))
	} else {
		fut.reject(ErrAbandoned)
	}
}

func (c *Coordinator) rejectPruned(ids []string) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	expired := make([]*inflight, 0, len(ids))
	for _, id := range ids {
		if inf, ok := c.inflight[id]; ok {
			expired = append(expired, inf)
			delete(c.inflight, id)
		}
	}
	c.mu.Unlock()
	for _, inf := range expired {
		inf.future.reject(fmt.Errorf("%w: claim expired", ErrAbandoned))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
