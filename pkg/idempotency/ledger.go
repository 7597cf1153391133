// Package idempotency coordinates exactly-once evaluation per request id:
// in-process coalescing through shared futures, durable claims through a
// persisted ledger, and replay of stored results.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/munigrid/mandate/pkg/audit"
)

var (
	// ErrNotFound reports an absent ledger row.
	ErrNotFound = errors.New("idempotency: record not found")
	// ErrAbandoned reaches waiters whose evaluation was abandoned after an
	// unexpected failure; the request id is claimable again.
	ErrAbandoned = errors.New("idempotency: evaluation abandoned")
)

// Record is one idempotency ledger row. ResultJSON stays empty until the
// evaluation is decided; a populated row replays verbatim.
type Record struct {
	RequestID      string
	PayloadHash    string
	ResultJSON     []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	SchemaVersion  string
	DecisionStatus string
	DecidedAt      *time.Time
}

// Decided reports whether the row carries a stored result.
func (r *Record) Decided() bool {
	return len(r.ResultJSON) > 0
}

// Ledger is the persistence contract the coordinator drives. Implementations
// must make Insert an atomic insert-if-absent and StoreResult transactional
// with the audit append.
type Ledger interface {
	// Insert records a new claim. When the request id already exists,
	// inserted is false and existing holds the stored row.
	Insert(ctx context.Context, rec Record) (inserted bool, existing *Record, err error)

	// Get returns the row for a request id, or ErrNotFound.
	Get(ctx context.Context, requestID string) (*Record, error)

	// StoreResult finalizes a claimed row and appends its audit entry in
	// the same transaction. The entry arrives unsealed; the ledger links
	// it to its audit chain head.
	StoreResult(ctx context.Context, requestID string, resultJSON []byte, decisionStatus string, decidedAt time.Time, entry *audit.Entry) error

	// Delete removes a claim so the id becomes claimable again. Deleting
	// an absent row is not an error.
	Delete(ctx context.Context, requestID string) error

	// PruneExpired removes rows whose expiry has passed and reports their
	// request ids. Audit entries are never pruned.
	PruneExpired(ctx context.Context, now time.Time) ([]string, error)
}
