package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munigrid/mandate/pkg/audit"
	"github.com/munigrid/mandate/pkg/idempotency"
)

func TestPostgresLedgerInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresLedger(db)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	rec := idempotency.Record{
		RequestID:     "req-1",
		PayloadHash:   "sha256:abc",
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
		SchemaVersion: "2.0",
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO decision_claims")).
		WithArgs("req-1", "sha256:abc", "2.0", sqlmock.AnyArg(), sqlmock.AnyArg(), now.Add(time.Hour).UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, existing, err := ledger.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Nil(t, existing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerInsertConflictReturnsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresLedger(db)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO decision_claims")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows([]string{
		"request_id", "payload_hash", "result_json", "decision_status",
		"schema_version", "created_at", "expires_at", "decided_at",
	}).AddRow("req-1", "sha256:original", nil, nil, "2.0",
		now.Format(time.RFC3339Nano), now.Add(time.Hour).Format(time.RFC3339Nano), nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT request_id, payload_hash, result_json, decision_status, schema_version, created_at, expires_at, decided_at")).
		WithArgs("req-1").
		WillReturnRows(rows)

	inserted, existing, err := ledger.Insert(ctx, idempotency.Record{
		RequestID:     "req-1",
		PayloadHash:   "sha256:doctored",
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
		SchemaVersion: "2.0",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NotNil(t, existing)
	assert.Equal(t, "sha256:original", existing.PayloadHash)
	assert.False(t, existing.Decided())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresLedger(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT request_id, payload_hash")).
		WithArgs("req-missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"request_id", "payload_hash", "result_json", "decision_status",
			"schema_version", "created_at", "expires_at", "decided_at",
		}))

	_, err = ledger.Get(context.Background(), "req-missing")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerStoreResultTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresLedger(db)
	ctx := context.Background()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	res := storeTestResult("ws-clerks", "evt-tx")
	entry, err := audit.NewEntry("req-tx", res, now)
	require.NoError(t, err)
	raw, err := json.Marshal(res)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(auditChainLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT hash FROM audit_entries ORDER BY seq DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("prior-head"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).
		WithArgs(entry.EntryID, "req-tx", "evt-tx", "ws-clerks", "approved", "", "sha256:plan",
			sqlmock.AnyArg(), sqlmock.AnyArg(), now.UnixNano(), "prior-head", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE decision_claims SET")).
		WithArgs(string(raw), "approved", sqlmock.AnyArg(), "req-tx").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, ledger.StoreResult(ctx, "req-tx", raw, "approved", now, entry))
	assert.Equal(t, "prior-head", entry.PreviousHash, "entry sealed against the stored head")
	assert.NotEmpty(t, entry.Hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerStoreResultUnknownClaimRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresLedger(db)
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	res := storeTestResult("ws-clerks", "evt-ghost")
	entry, err := audit.NewEntry("req-ghost", res, now)
	require.NoError(t, err)
	raw, err := json.Marshal(res)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(auditChainLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT hash FROM audit_entries")).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE decision_claims SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = ledger.StoreResult(context.Background(), "req-ghost", raw, "approved", now, entry)
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
	assert.Empty(t, entry.PreviousHash, "genesis seal on an empty chain")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerPruneExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresLedger(db)
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM decision_claims WHERE expires_at_unix <= $1 RETURNING request_id")).
		WithArgs(now.UnixNano()).
		WillReturnRows(sqlmock.NewRows([]string{"request_id"}).AddRow("req-a").AddRow("req-b"))

	pruned, err := ledger.PruneExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-a", "req-b"}, pruned)
	assert.NoError(t, mock.ExpectationsWereMet())
}
