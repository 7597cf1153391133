package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/munigrid/mandate/pkg/audit"
	"github.com/munigrid/mandate/pkg/idempotency"

	_ "github.com/lib/pq"
)

// auditChainLockKey is the advisory lock id serializing audit appends.
const auditChainLockKey = 0x6d616e64 // "mand"

// PostgresLedger implements idempotency.Ledger over PostgreSQL for
// deployments where several engine processes share one ledger.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps an open database. Call Migrate before first use.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// OpenPostgres connects with a lib/pq DSN and ensures the schema.
func OpenPostgres(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	l := NewPostgresLedger(db)
	if err := l.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS decision_claims (
	request_id TEXT PRIMARY KEY,
	payload_hash TEXT NOT NULL,
	result_json TEXT,
	decision_status TEXT,
	schema_version TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	expires_at_unix BIGINT NOT NULL,
	decided_at TEXT
);
CREATE TABLE IF NOT EXISTS audit_entries (
	seq BIGSERIAL PRIMARY KEY,
	entry_id TEXT NOT NULL UNIQUE,
	request_id TEXT NOT NULL,
	event_id TEXT,
	workspace_id TEXT,
	status TEXT,
	reason TEXT,
	plan_hash TEXT,
	record TEXT,
	timestamp TEXT NOT NULL,
	timestamp_unix BIGINT NOT NULL,
	previous_hash TEXT NOT NULL DEFAULT '',
	hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_entries(request_id);
CREATE INDEX IF NOT EXISTS idx_audit_workspace ON audit_entries(workspace_id, timestamp_unix);`

// Migrate ensures the schema.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, pgSchema)
	return err
}

// Close releases the underlying database handle.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

func (l *PostgresLedger) Insert(ctx context.Context, rec idempotency.Record) (bool, *idempotency.Record, error) {
	query := `INSERT INTO decision_claims (
		request_id, payload_hash, schema_version, created_at, expires_at, expires_at_unix
	) VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (request_id) DO NOTHING`

	res, err := l.db.ExecContext(ctx, query,
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
		existing, err := l.Get(ctx, rec.RequestID)
		if errors.Is(err, idempotency.ErrNotFound) {
			return false, nil, nil
		}
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}
	return true, nil, nil
}

func (l *PostgresLedger) Get(ctx context.Context, requestID string) (*idempotency.Record, error) {
	query := `SELECT request_id, payload_hash, result_json, decision_status, schema_version, created_at, expires_at, decided_at
		FROM decision_claims WHERE request_id = $1`
	row := l.db.QueryRowContext(ctx, query, requestID)

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

func (l *PostgresLedger) StoreResult(ctx context.Context, requestID string, resultJSON []byte, decisionStatus string, decidedAt time.Time, entry *audit.Entry) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize chain appends across processes; the lock releases at
	// commit or rollback.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
		return fmt.Errorf("store: chain lock: %w", err)
	}
	var prev sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: chain head: %w", err)
	}
	if err := entry.Seal(prev.String); err != nil {
		return err
	}
	if err := insertAuditTx(ctx, tx, entry, postgresPlaceholders); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE decision_claims SET result_json = $1, decision_status = $2, decided_at = $3 WHERE request_id = $4`,
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

func (l *PostgresLedger) Delete(ctx context.Context, requestID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM decision_claims WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("store: delete claim: %w", err)
	}
	return nil
}

func (l *PostgresLedger) PruneExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`DELETE FROM decision_claims WHERE expires_at_unix <= $1 RETURNING request_id`,
		now.UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: prune: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pruned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		pruned = append(pruned, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pruned, nil
}

// AuditEntries returns the full chain in append order.
func (l *PostgresLedger) AuditEntries(ctx context.Context) ([]audit.Entry, error) {
	return l.queryAudit(ctx, `SELECT entry_id, request_id, event_id, workspace_id, status, reason, plan_hash, record, timestamp, previous_hash, hash
		FROM audit_entries ORDER BY seq ASC`)
}

// AuditByRequest returns the entries recorded for one request id.
func (l *PostgresLedger) AuditByRequest(ctx context.Context, requestID string) ([]audit.Entry, error) {
	return l.queryAudit(ctx, `SELECT entry_id, request_id, event_id, workspace_id, status, reason, plan_hash, record, timestamp, previous_hash, hash
		FROM audit_entries WHERE request_id = $1 ORDER BY seq ASC`, requestID)
}

// AuditWindow returns a workspace's entries inside [start, end] in append
// order.
func (l *PostgresLedger) AuditWindow(ctx context.Context, workspaceID string, start, end time.Time) ([]audit.Entry, error) {
	return l.queryAudit(ctx, `SELECT entry_id, request_id, event_id, workspace_id, status, reason, plan_hash, record, timestamp, previous_hash, hash
		FROM audit_entries WHERE workspace_id = $1 AND timestamp_unix >= $2 AND timestamp_unix <= $3 ORDER BY seq ASC`,
		workspaceID, start.UTC().UnixNano(), end.UTC().UnixNano())
}

// VerifyAudit recomputes the whole chain.
func (l *PostgresLedger) VerifyAudit(ctx context.Context) error {
	entries, err := l.AuditEntries(ctx)
	if err != nil {
		return err
	}
	return audit.VerifyChain(entries)
}

func (l *PostgresLedger) queryAudit(ctx context.Context, query string, args ...any) ([]audit.Entry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
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
