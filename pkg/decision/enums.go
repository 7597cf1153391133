package decision

// SchemaVersion is the current result schema. A request id claimed under a
// different version replays nothing; the mismatch is surfaced instead.
const SchemaVersion = "2.0"

// Status is the terminal disposition of an evaluation.
type Status string

const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Mode selects the validation branch. An empty request mode is inferred from
// the intent tier.
type Mode string

const (
	ModeLaunch   Mode = "launch"
	ModeGoverned Mode = "governed"
)

// ValidMode reports whether s is an explicitly expressible mode.
func ValidMode(s string) bool {
	switch Mode(s) {
	case ModeLaunch, ModeGoverned:
		return true
	}
	return false
}

// TriggerType is the closed set of recognized action triggers.
type TriggerType string

const (
	TriggerForm     TriggerType = "form"
	TriggerTimer    TriggerType = "timer"
	TriggerState    TriggerType = "state"
	TriggerCalendar TriggerType = "calendar"
	TriggerManual   TriggerType = "manual"
	TriggerDrift    TriggerType = "drift"
	TriggerWebhook  TriggerType = "webhook"
)

var triggerTypes = map[TriggerType]struct{}{
	TriggerForm:     {},
	TriggerTimer:    {},
	TriggerState:    {},
	TriggerCalendar: {},
	TriggerManual:   {},
	TriggerDrift:    {},
	TriggerWebhook:  {},
}

// ValidTriggerType reports whether s names a recognized trigger.
func ValidTriggerType(s string) bool {
	_, ok := triggerTypes[TriggerType(s)]
	return ok
}

// TriggerTypes lists the recognized trigger names for remediation messages.
func TriggerTypes() []string {
	return []string{
		string(TriggerForm),
		string(TriggerTimer),
		string(TriggerState),
		string(TriggerCalendar),
		string(TriggerManual),
		string(TriggerDrift),
		string(TriggerWebhook),
	}
}

// Rejection reasons. Machine-readable, stable across schema versions; the
// submission layer keys remediation flows off these.
const (
	ReasonMalformedRequest        = "malformed_request"
	ReasonInjectionDetected       = "injection_detected"
	ReasonIntentNotAllowed        = "intent_not_allowed"
	ReasonInvalidMode             = "invalid_mode"
	ReasonInvalidTrigger          = "invalid_trigger"
	ReasonMissingTargets          = "missing_targets"
	ReasonUnsupportedTarget       = "unsupported_target"
	ReasonTargetRestricted        = "target_restricted"
	ReasonCharterIncomplete       = "charter_incomplete"
	ReasonMissingEvidence         = "missing_trigger_evidence"
	ReasonMissingRationale        = "missing_rationale"
	ReasonInvalidArchivalName     = "invalid_archival_name"
	ReasonConnectorNotAllowed     = "connector_not_allowed"
	ReasonMissingJustification    = "missing_public_safety_justification"
	ReasonInsufficientPermissions = "insufficient_permissions"
	ReasonDelegationAmbiguity     = "delegation_ambiguity"
	ReasonPlanHashMismatch        = "plan_hash_mismatch"
	ReasonCanonicalDiverged       = "canonical_diverged"
	ReasonCanonicalUnavailable    = "canonical_unavailable"
	ReasonResyncRequired          = "resync_required"
	ReasonConnectorUnhealthy      = "connector_unhealthy"
	ReasonRequestConflict         = "request_conflict"
	ReasonSchemaMismatch          = "schema_version_mismatch"
	ReasonDecisionInProgress      = "decision_in_progress"
)
