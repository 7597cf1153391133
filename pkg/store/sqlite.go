// Package store provides the durable decision ledgers: claim rows for the
// idempotency coordinator and the hash-chained audit trail, over SQLite for
// single-node deployments and PostgreSQL for shared ones.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/munigrid/mandate/pkg/audit"
	"github.com/munigrid/mandate/pkg/idempotency"

	_ "modernc.org/sqlite"
)

// SQLiteLedger implements idempotency.Ledger over a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger wraps an open database and ensures the schema.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	s := &SQLiteLedger{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite ledger at path.
func OpenSQLite(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	return NewSQLiteLedger(db)
}

func (s *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS decision_claims (
		request_id TEXT PRIMARY KEY,
		payload_hash TEXT NOT NULL,
		result_json TEXT,
		decision_status TEXT,
		schema_version TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		expires_at_unix INTEGER NOT NULL,
		decided_at TEXT
	);
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_id TEXT NOT NULL UNIQUE,
		request_id TEXT NOT NULL,
		event_id TEXT,
		workspace_id TEXT,
		status TEXT,
		reason TEXT,
		plan_hash TEXT,
		record JSON,
		timestamp TEXT NOT NULL,
		timestamp_unix INTEGER NOT NULL,
		previous_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_entries(request_id);
	CREATE INDEX IF NOT EXISTS idx_audit_workspace ON audit_entries(workspace_id, timestamp_unix);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

func (s *SQLiteLedger) Insert(ctx context.Context, rec idempotency.Record) (bool, *idempotency.Record, error) {
	query := `INSERT INTO decision_claims (
		request_id, payload_hash, schema_version, created_at, expires_at, expires_at_unix
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(request_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		rec.RequestID, rec.PayloadHash, rec.SchemaVersion,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
		rec.ExpiresAt.UTC().UnixNano(),
	)
	if err != nil {
		return false, nil, fmt.Errorf("store: insert claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if n == 0 {
		existing, err := s.Get(ctx, rec.RequestID)
		if errors.Is(err, idempotency.ErrNotFound) {
			// Lost the insert race and the winner already released the
			// row; the caller re-examines.
			return false, nil, nil
		}
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}
	return true, nil, nil
}

func (s *SQLiteLedger) Get(ctx context.Context, requestID string) (*idempotency.Record, error) {
	query := `SELECT request_id, payload_hash, result_json, decision_status, schema_version, created_at, expires_at, decided_at
		FROM decision_claims WHERE request_id = ?`
	row := s.db.QueryRowContext(ctx, query, requestID)

	var (
		rec        idempotency.Record
		resultJSON sql.NullString
		status     sql.NullString
		createdAt  string
		expiresAt  string
		decidedAt  sql.NullString
	)
	err := row.Scan(&rec.RequestID, &rec.PayloadHash, &resultJSON, &status, &rec.SchemaVersion, &createdAt, &expiresAt, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get claim: %w", err)
	}
	if resultJSON.Valid {
		rec.ResultJSON = []byte(resultJSON.String)
	}
	rec.DecisionStatus = status.String
	rec.CreatedAt = parseTime(createdAt)
	rec.ExpiresAt = parseTime(expiresAt)
	if decidedAt.Valid && decidedAt.String != "" {
		t := parseTime(decidedAt.String)
		rec.DecidedAt = &t
	}
	return &rec, nil
}

func (s *SQLiteLedger) StoreResult(ctx context.Context, requestID string, resultJSON []byte, decisionStatus string, decidedAt time.Time, entry *audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: chain head: %w", err)
	}
	if err := entry.Seal(prev.String); err != nil {
		return err
	}
	if err := insertAuditTx(ctx, tx, entry, sqlitePlaceholders); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE decision_claims SET result_json = ?, decision_status = ?, decided_at = ? WHERE request_id = ?`,
		string(resultJSON), decisionStatus, decidedAt.UTC().Format(time.RFC3339Nano), requestID,
	)
	if err != nil {
		return fmt.Errorf("store: finalize claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return idempotency.ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLiteLedger) Delete(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM decision_claims WHERE request_id = ?`, requestID)
	if err != nil {
		return fmt.Errorf("store: delete claim: %w", err)
	}
	return nil
}

func (s *SQLiteLedger) PruneExpired(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := now.UTC().UnixNano()
	rows, err := tx.QueryContext(ctx, `SELECT request_id FROM decision_claims WHERE expires_at_unix <= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: prune select: %w", err)
	}
	var pruned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		pruned = append(pruned, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(pruned) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM decision_claims WHERE expires_at_unix <= ?`, cutoff); err != nil {
			return nil, fmt.Errorf("store: prune delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pruned, nil
}

// AuditEntries returns the full chain in append order.
func (s *SQLiteLedger) AuditEntries(ctx context.Context) ([]audit.Entry, error) {
	return s.queryAudit(ctx, `SELECT entry_id, request_id, event_id, workspace_id, status, reason, plan_hash, record, timestamp, previous_hash, hash
		FROM audit_entries ORDER BY seq ASC`)
}

// AuditByRequest returns the entries recorded for one request id.
func (s *SQLiteLedger) AuditByRequest(ctx context.Context, requestID string) ([]audit.Entry, error) {
	return s.queryAudit(ctx, `SELECT entry_id, request_id, event_id, workspace_id, status, reason, plan_hash, record, timestamp, previous_hash, hash
		FROM audit_entries WHERE request_id = ? ORDER BY seq ASC`, requestID)
}

// AuditWindow returns a workspace's entries inside [start, end] in append
// order, for evidence pack export.
func (s *SQLiteLedger) AuditWindow(ctx context.Context, workspaceID string, start, end time.Time) ([]audit.Entry, error) {
	return s.queryAudit(ctx, `SELECT entry_id, request_id, event_id, workspace_id, status, reason, plan_hash, record, timestamp, previous_hash, hash
		FROM audit_entries WHERE workspace_id = ? AND timestamp_unix >= ? AND timestamp_unix <= ? ORDER BY seq ASC`,
		workspaceID, start.UTC().UnixNano(), end.UTC().UnixNano())
}

// VerifyAudit recomputes the whole chain.
func (s *SQLiteLedger) VerifyAudit(ctx context.Context) error {
	entries, err := s.AuditEntries(ctx)
	if err != nil {
		return err
	}
	return audit.VerifyChain(entries)
}

func (s *SQLiteLedger) queryAudit(ctx context.Context, query string, args ...any) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: audit query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []audit.Entry
	for rows.Next() {
		e, err := scanAuditRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

type placeholderStyle int

const (
	sqlitePlaceholders placeholderStyle = iota
	postgresPlaceholders
)

func insertAuditTx(ctx context.Context, tx *sql.Tx, e *audit.Entry, style placeholderStyle) error {
	query := `INSERT INTO audit_entries (
		entry_id, request_id, event_id, workspace_id, status, reason, plan_hash, record, timestamp, timestamp_unix, previous_hash, hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if style == postgresPlaceholders {
		query = `INSERT INTO audit_entries (
		entry_id, request_id, event_id, workspace_id, status, reason, plan_hash, record, timestamp, timestamp_unix, previous_hash, hash
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	}
	record := "null"
	if len(e.Record) > 0 {
		record = string(e.Record)
	}
	_, err := tx.ExecContext(ctx, query,
		e.EntryID, e.RequestID, e.EventID, e.WorkspaceID, e.Status, e.Reason, e.PlanHash,
		record, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Timestamp.UTC().UnixNano(), e.PreviousHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("store: insert audit entry: %w", err)
	}
	return nil
}

func scanAuditRow(rows *sql.Rows) (audit.Entry, error) {
	var (
		e         audit.Entry
		record    sql.NullString
		timestamp string
	)
	if err := rows.Scan(&e.EntryID, &e.RequestID, &e.EventID, &e.WorkspaceID, &e.Status, &e.Reason, &e.PlanHash, &record, &timestamp, &e.PreviousHash, &e.Hash); err != nil {
		return audit.Entry{}, err
	}
	if record.Valid && record.String != "" && record.String != "null" {
		e.Record = json.RawMessage(record.String)
	}
	e.Timestamp = parseTime(timestamp)
	return e, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
