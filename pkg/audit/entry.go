// Package audit provides the tamper-evident decision audit trail: entries
// hash-chained to their predecessors, chain verification, and evidence pack
// export for compliance retrieval.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/munigrid/mandate/pkg/canonicalize"
	"github.com/munigrid/mandate/pkg/decision"
)

// Entry is one append-only audit row. PreviousHash links it to the preceding
// entry; Hash covers every field including that link, so any retroactive edit
// breaks the chain.
type Entry struct {
	EntryID      string          `json:"entryId"`
	RequestID    string          `json:"requestId"`
	EventID      string          `json:"eventId"`
	WorkspaceID  string          `json:"workspaceId"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	PlanHash     string          `json:"planHash,omitempty"`
	Record       json.RawMessage `json:"record"`
	Timestamp    time.Time       `json:"timestamp"`
	PreviousHash string          `json:"previousHash"`
	Hash         string          `json:"hash"`
}

// NewEntry builds the unchained audit entry for a decided result. Sealing
// (chain linkage) happens where the previous head is known: at append time,
// inside the store transaction.
func NewEntry(requestID string, res *decision.Result, decidedAt time.Time) (*Entry, error) {
	record, err := json.Marshal(res.AuditRecord)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal record: %w", err)
	}
	return &Entry{
		EntryID:     uuid.NewString(),
		RequestID:   requestID,
		EventID:     res.AuditRecord.EventID,
		WorkspaceID: res.AuditRecord.WorkspaceID,
		Status:      string(res.Status),
		Reason:      res.Reason,
		PlanHash:    res.AuditRecord.PlanHash,
		Record:      record,
		Timestamp:   decidedAt.UTC(),
	}, nil
}

// Seal links the entry to the chain head and fills its hash.
func (e *Entry) Seal(previousHash string) error {
	e.PreviousHash = previousHash
	h, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// ComputeHash calculates the SHA-256 digest of the entry fields over a stable
// canonical map. The Hash field itself is excluded.
func (e *Entry) ComputeHash() (string, error) {
	record := e.Record
	if len(record) == 0 {
		record = json.RawMessage("null")
	}
	data := map[string]interface{}{
		"entryId":      e.EntryID,
		"requestId":    e.RequestID,
		"eventId":      e.EventID,
		"workspaceId":  e.WorkspaceID,
		"status":       e.Status,
		"reason":       e.Reason,
		"planHash":     e.PlanHash,
		"record":       record,
		"timestamp":    e.Timestamp.UTC().Format(time.RFC3339Nano),
		"previousHash": e.PreviousHash,
	}

	canonicalBytes, err := canonicalize.JCS(data)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	return canonicalize.HashBytes(canonicalBytes), nil
}

// VerifyChain checks linkage and content integrity of a stored entry
// sequence. The genesis entry must carry an empty previous hash.
func VerifyChain(entries []Entry) error {
	for i := range entries {
		if i == 0 {
			if entries[i].PreviousHash != "" {
				return fmt.Errorf("audit: genesis entry has non-empty previous hash")
			}
		} else if entries[i].PreviousHash != entries[i-1].Hash {
			return fmt.Errorf("audit: chain broken at index %d: previous hash mismatch", i)
		}

		computed, err := entries[i].ComputeHash()
		if err != nil {
			return fmt.Errorf("audit: recompute hash at index %d: %w", i, err)
		}
		if computed != entries[i].Hash {
			return fmt.Errorf("audit: integrity failure at index %d: computed %s, stored %s", i, computed, entries[i].Hash)
		}
	}
	return nil
}
