package audit_test

import (
	"archive/zip"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munigrid/mandate/pkg/audit"
	"github.com/munigrid/mandate/pkg/decision"
)

func sampleResult(eventID string) *decision.Result {
	return decision.NewApproval("2.1.0", decision.AuditRecord{
		EventID:     eventID,
		WorkspaceID: "ws-1",
		OperatorID:  "op-1",
		Intent:      "deploy_policy",
		PlanHash:    "abc123",
		Evidence: decision.AuditEvidence{
			Mode:            "governed",
			PermissionCheck: decision.PermissionCheck{Method: decision.PermissionByRole, Required: []string{"policy.deploy"}},
		},
	}, nil, "Approved")
}

func TestLog_AppendChainsEntries(t *testing.T) {
	log := audit.NewLog()
	decidedAt := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	e1, err := audit.NewEntry("req-1", sampleResult("ev-1"), decidedAt)
	require.NoError(t, err)
	require.NoError(t, log.Append(e1))

	e2, err := audit.NewEntry("req-2", sampleResult("ev-2"), decidedAt.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, log.Append(e2))

	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].PreviousHash)
	assert.Equal(t, entries[0].Hash, entries[1].PreviousHash)
	assert.Equal(t, entries[1].Hash, log.Head())

	require.NoError(t, log.Verify())
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	log := audit.NewLog()
	decidedAt := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	for i, req := range []string{"req-1", "req-2", "req-3"} {
		e, err := audit.NewEntry(req, sampleResult("ev-"+req), decidedAt.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.NoError(t, log.Append(e))
	}

	t.Run("Intact Chain Verifies", func(t *testing.T) {
		require.NoError(t, audit.VerifyChain(log.Entries()))
	})

	t.Run("Fail: Edited Field", func(t *testing.T) {
		entries := log.Entries()
		entries[1].Status = "approved-by-nobody"
		assert.Error(t, audit.VerifyChain(entries))
	})

	t.Run("Fail: Broken Link", func(t *testing.T) {
		entries := log.Entries()
		entries[2].PreviousHash = "0000"
		assert.Error(t, audit.VerifyChain(entries))
	})

	t.Run("Fail: Non-Empty Genesis", func(t *testing.T) {
		entries := log.Entries()
		entries[0].PreviousHash = "ff"
		assert.Error(t, audit.VerifyChain(entries))
	})
}

func TestNewEntry_CarriesDecisionFields(t *testing.T) {
	res := sampleResult("ev-9")
	res.Status = decision.StatusRejected
	res.Approved = false
	res.Reason = decision.ReasonMissingRationale

	decidedAt := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	e, err := audit.NewEntry("req-9", res, decidedAt)
	require.NoError(t, err)

	assert.NotEmpty(t, e.EntryID)
	assert.Equal(t, "req-9", e.RequestID)
	assert.Equal(t, "ev-9", e.EventID)
	assert.Equal(t, "ws-1", e.WorkspaceID)
	assert.Equal(t, "rejected", e.Status)
	assert.Equal(t, decision.ReasonMissingRationale, e.Reason)
	assert.Equal(t, "abc123", e.PlanHash)
	assert.Equal(t, decidedAt, e.Timestamp)
	assert.Contains(t, string(e.Record), `"eventId":"ev-9"`)
}

func TestBuildPack(t *testing.T) {
	log := audit.NewLog()
	decidedAt := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	e, err := audit.NewEntry("req-1", sampleResult("ev-1"), decidedAt)
	require.NoError(t, err)
	require.NoError(t, log.Append(e))

	req := audit.ExportRequest{
		WorkspaceID: "ws-1",
		StartTime:   decidedAt.Add(-time.Hour),
		EndTime:     decidedAt.Add(time.Hour),
	}
	pack, checksum, err := audit.BuildPack(req, log.Entries(), decidedAt.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, checksum, 64)

	r, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)

	names := make(map[string]bool, len(r.File))
	for _, f := range r.File {
		names[f.Name] = true
	}
	assert.True(t, names["entries.json"])
	assert.True(t, names["manifest.json"])
	assert.True(t, names["README.txt"])
}

func TestBuildPack_FailClosed(t *testing.T) {
	t.Run("Fail: Empty Workspace", func(t *testing.T) {
		_, _, err := audit.BuildPack(audit.ExportRequest{}, nil, time.Now())
		assert.ErrorIs(t, err, audit.ErrEmptyWorkspaceID)
	})

	t.Run("Fail: Inverted Window", func(t *testing.T) {
		req := audit.ExportRequest{
			WorkspaceID: "ws-1",
			StartTime:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			EndTime:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		}
		_, _, err := audit.BuildPack(req, nil, time.Now())
		assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)
	})
}
