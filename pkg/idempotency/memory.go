package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/munigrid/mandate/pkg/audit"
)

// MemoryLedger is the in-process Ledger. It serves single-node deployments
// and tests; the SQL ledgers in pkg/store carry the same contract durably.
type MemoryLedger struct {
	mu    sync.Mutex
	rows  map[string]Record
	chain *audit.Log
}

// NewMemoryLedger creates an empty ledger with its own audit chain.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		rows:  make(map[string]Record),
		chain: audit.NewLog(),
	}
}

func (m *MemoryLedger) Insert(_ context.Context, rec Record) (bool, *Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.rows[rec.RequestID]; ok {
		out := cloneRecord(existing)
		return false, &out, nil
	}
	m.rows[rec.RequestID] = cloneRecord(rec)
	return true, nil, nil
}

func (m *MemoryLedger) Get(_ context.Context, requestID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.rows[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (m *MemoryLedger) StoreResult(_ context.Context, requestID string, resultJSON []byte, decisionStatus string, decidedAt time.Time, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.rows[requestID]
	if !ok {
		return ErrNotFound
	}
	// The append seals the entry against the chain head; a sealing failure
	// leaves the row undecided, mirroring a rolled-back transaction.
	if err := m.chain.Append(entry); err != nil {
		return err
	}
	rec.ResultJSON = append([]byte(nil), resultJSON...)
	rec.DecisionStatus = decisionStatus
	t := decidedAt
	rec.DecidedAt = &t
	m.rows[requestID] = rec
	return nil
}

func (m *MemoryLedger) Delete(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, requestID)
	return nil
}

func (m *MemoryLedger) PruneExpired(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned []string
	for id, rec := range m.rows {
		if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(now) {
			pruned = append(pruned, id)
			delete(m.rows, id)
		}
	}
	return pruned, nil
}

// AuditEntries returns a copy of the ledger's audit chain.
func (m *MemoryLedger) AuditEntries() []audit.Entry {
	return m.chain.Entries()
}

// VerifyAudit checks the audit chain end to end.
func (m *MemoryLedger) VerifyAudit() error {
	return m.chain.Verify()
}

func cloneRecord(rec Record) Record {
	out := rec
	out.ResultJSON = append([]byte(nil), rec.ResultJSON...)
	if rec.DecidedAt != nil {
		t := *rec.DecidedAt
		out.DecidedAt = &t
	}
	return out
}
