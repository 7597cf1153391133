package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharter(t *testing.T) {
	full := Charter{Authority: true, Accountability: true, Boundary: true, Continuity: true}
	assert.True(t, full.Complete())
	assert.Empty(t, full.Missing())

	partial := Charter{Authority: true, Boundary: true}
	assert.False(t, partial.Complete())
	assert.Equal(t, []string{"accountability", "continuity"}, partial.Missing())
}

func TestTriggerTypes_Exhaustive(t *testing.T) {
	for _, name := range TriggerTypes() {
		assert.True(t, ValidTriggerType(name), "trigger %q should validate", name)
	}
	assert.False(t, ValidTriggerType("cron"))
	assert.False(t, ValidTriggerType(""))
}

func TestValidMode(t *testing.T) {
	assert.True(t, ValidMode("launch"))
	assert.True(t, ValidMode("governed"))
	assert.False(t, ValidMode("yolo"))
	assert.False(t, ValidMode(""))
}

func TestMetadataAccessors(t *testing.T) {
	a := Action{
		Intent: "deploy_policy",
		Metadata: map[string]interface{}{
			MetaRationale:        "  council resolution 44  ",
			MetaUrgency:          "emergency",
			MetaExpectedPlanHash: "abc123",
			MetaCanonicalURL:     "https://plans.munigrid.dev/p/44",
			MetaCanonicalHash:    "def456",
			MetaArchive:          map[string]interface{}{"dept": "dpw", "type": "permit"},
			"other":              7,
		},
	}

	assert.Equal(t, "council resolution 44", a.Rationale())
	assert.Equal(t, "emergency", a.Urgency())
	assert.Equal(t, "abc123", a.ExpectedPlanHash())
	assert.Equal(t, "https://plans.munigrid.dev/p/44", a.CanonicalURL())
	assert.Equal(t, "def456", a.CanonicalHash())

	desc, ok := a.ArchiveDescriptor()
	require.True(t, ok)
	assert.Equal(t, "dpw", desc["dept"])

	// Non-string values read as empty, never panic.
	assert.Equal(t, "", a.MetaString("other"))
	assert.Equal(t, "", (&Action{}).Rationale())
}

func TestFreeText_CoversOperatorSurfaces(t *testing.T) {
	a := Action{
		Intent:  "publish_record",
		Targets: []string{"m365:/sites/records"},
		Trigger: &Trigger{Type: "form", Evidence: &TriggerEvidence{Details: "filed in person"}},
		Metadata: map[string]interface{}{
			MetaRationale:   "routine filing",
			MetaDescription: "permit scan upload",
		},
	}

	text := a.FreeText()
	assert.Contains(t, text, "routine filing")
	assert.Contains(t, text, "permit scan upload")
	assert.Contains(t, text, "filed in person")
	assert.Contains(t, text, "m365:/sites/records")
}

func TestResultClone_IsDeep(t *testing.T) {
	orig := NewApproval("2.1.0", AuditRecord{
		EventID:     "ev-1",
		WorkspaceID: "ws-1",
		Evidence:    AuditEvidence{PermissionCheck: PermissionCheck{Method: PermissionByRole, Required: []string{"policy.deploy"}}},
	}, []PlanStep{
		{StepID: "s-1", Connector: "github", Status: StepStatusPrepared, Plan: map[string]interface{}{"planHash": "h1"}},
	}, "Approved")
	orig.Notices = []string{"Prepared 1 connector plan"}

	clone, err := orig.Clone()
	require.NoError(t, err)

	eq, err := clone.Equal(orig)
	require.NoError(t, err)
	assert.True(t, eq)

	// Mutating the clone must not reach the original.
	clone.ActionPlan[0].Plan["planHash"] = "tampered"
	clone.Notices[0] = "changed"
	assert.Equal(t, "h1", orig.ActionPlan[0].Plan["planHash"])
	assert.Equal(t, "Prepared 1 connector plan", orig.Notices[0])

	eq, err = clone.Equal(orig)
	require.NoError(t, err)
	assert.False(t, eq)
}

func TestNewRejection_Envelope(t *testing.T) {
	r := NewRejection("2.1.0", AuditRecord{EventID: "ev-2"}, ReasonMissingRationale,
		"Rationale is required for governed actions", "rationale", "add_rationale")

	assert.Equal(t, StatusRejected, r.Status)
	assert.False(t, r.Approved)
	assert.Equal(t, ReasonMissingRationale, r.Reason)
	assert.NotNil(t, r.ActionPlan)
	assert.Empty(t, r.ActionPlan)
	assert.Equal(t, "REJECTED", r.UIFeedback.LCDStatus)
	assert.Equal(t, "rationale", r.UIFeedback.Focus)
	assert.Equal(t, []string{"add_rationale"}, r.NextSteps)
}

func TestLCDStatus_ReasonSpecific(t *testing.T) {
	inj := NewRejection("2.1.0", AuditRecord{}, ReasonInjectionDetected, "Blocked", "", "")
	assert.Equal(t, "BLOCKED", inj.UIFeedback.LCDStatus)

	pending := NewRejection("2.1.0", AuditRecord{}, ReasonDecisionInProgress, "Pending", "", "")
	assert.Equal(t, "PENDING", pending.UIFeedback.LCDStatus)
}
