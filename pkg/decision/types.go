// Package decision defines the data model of the governance decision engine:
// requests, results, plan steps, audit records, and the rejection taxonomy.
//
// The JSON field names are the wire contract shared with the submission layer
// and the dispatcher; they are stable across schema versions within a major.
package decision

// Charter holds the four governance commitments a workspace must affirm
// before any governed action is evaluated.
type Charter struct {
	Authority      bool `json:"authority"`
	Accountability bool `json:"accountability"`
	Boundary       bool `json:"boundary"`
	Continuity     bool `json:"continuity"`
}

// Complete reports whether all four charter flags are affirmed.
func (c Charter) Complete() bool {
	return c.Authority && c.Accountability && c.Boundary && c.Continuity
}

// Missing lists the unaffirmed charter flags, in canonical order.
func (c Charter) Missing() []string {
	var out []string
	if !c.Authority {
		out = append(out, "authority")
	}
	if !c.Accountability {
		out = append(out, "accountability")
	}
	if !c.Boundary {
		out = append(out, "boundary")
	}
	if !c.Continuity {
		out = append(out, "continuity")
	}
	return out
}

// Workspace identifies the tenant the action runs under.
type Workspace struct {
	ID      string  `json:"id"`
	Charter Charter `json:"charter"`
}

// RiskProfile carries the municipality's target screening posture.
type RiskProfile struct {
	StrictMode bool     `json:"strictMode"`
	Flagged    []string `json:"flagged,omitempty"`
}

// Municipality is the jurisdiction context: cited statutes, policy index,
// and screening posture. The risk_profile key is a legacy spelling kept for
// older submission clients.
type Municipality struct {
	ID          string            `json:"id"`
	Statutes    []string          `json:"statutes,omitempty"`
	Policies    map[string]string `json:"policies,omitempty"`
	RiskProfile RiskProfile       `json:"risk_profile"`
}

// Delegation is a scoped, time-boxed grant of authority from one operator to
// another. Either "until" or the legacy "to" bounds the window; "until" wins
// when both are present. An absent bound leaves the window open on that side.
type Delegation struct {
	ID         string   `json:"id,omitempty"`
	Delegator  string   `json:"delegator"`
	Delegatee  string   `json:"delegatee,omitempty"`
	Scope      []string `json:"scope"`
	Precedence int      `json:"precedence,omitempty"`
	From       string   `json:"from,omitempty"`
	Until      string   `json:"until,omitempty"`
	To         string   `json:"to,omitempty"`
}

// Operator is the acting identity: a role name, the permissions that role
// grants, and any delegations extended to this operator.
type Operator struct {
	ID          string       `json:"id"`
	Role        string       `json:"role,omitempty"`
	Permissions []string     `json:"permissions,omitempty"`
	Delegations []Delegation `json:"delegations,omitempty"`
}

// TriggerEvidence cites the statute or policy key that authorizes a governed
// trigger.
type TriggerEvidence struct {
	Statute   string `json:"statute,omitempty"`
	PolicyKey string `json:"policyKey,omitempty"`
	Details   string `json:"details,omitempty"`
}

// Empty reports whether no citation was supplied at all.
func (e TriggerEvidence) Empty() bool {
	return e.Statute == "" && e.PolicyKey == ""
}

// Trigger describes what set the action in motion.
type Trigger struct {
	Type     string           `json:"type"`
	Evidence *TriggerEvidence `json:"evidence,omitempty"`
}

// Action is the requested operation: intent, targets, and free-form metadata
// (rationale, archival descriptor, urgency, canonical source assertions).
type Action struct {
	Mode      string                 `json:"mode,omitempty"`
	Trigger   *Trigger               `json:"trigger,omitempty"`
	Intent    string                 `json:"intent"`
	Targets   []string               `json:"targets,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
}

// Request is a complete decision submission.
type Request struct {
	Workspace    Workspace    `json:"workspace"`
	Municipality Municipality `json:"municipality"`
	Operator     Operator     `json:"operator"`
	Action       Action       `json:"action"`
	Timestamp    string       `json:"timestamp"`
}

// PlanStep is one tamper-evident unit of the prepared action plan. Plan is
// the connector-specific envelope; the final plan hash is injected into it
// under "planHash" so the dispatcher can echo it back at execution time.
// Warrant, when present, is a signed token binding the step to the hash.
type PlanStep struct {
	StepID      string                 `json:"stepId"`
	Description string                 `json:"description"`
	Connector   string                 `json:"connector"`
	Status      string                 `json:"status"`
	Plan        map[string]interface{} `json:"plan"`
	Warrant     string                 `json:"warrant,omitempty"`
}

// StepStatusPrepared is the only status the decision engine emits; execution
// state transitions belong to the dispatch layer.
const StepStatusPrepared = "prepared"

// PermissionCheck summarizes how authority was established (or why not).
type PermissionCheck struct {
	Method   string   `json:"method"`
	Required []string `json:"required"`
	Missing  []string `json:"missing,omitempty"`
}

// Authority resolution methods recorded in PermissionCheck.Method.
const (
	PermissionByRole       = "role"
	PermissionByDelegation = "delegation"
	PermissionDenied       = "none"
)

// AuditEvidence is the compliance-facing evidence block of an audit record.
type AuditEvidence struct {
	Statute             string          `json:"statute,omitempty"`
	PolicyKey           string          `json:"policyKey,omitempty"`
	DelegationUsed      string          `json:"delegationUsed,omitempty"`
	PermissionCheck     PermissionCheck `json:"permissionCheck"`
	Mode                string          `json:"mode"`
	SystemPromptVersion string          `json:"systemPromptVersion"`
	ConnectorEvidence   []string        `json:"connectorEvidence,omitempty"`
}

// AuditRecord is the audit trail entry embedded in every result, approved or
// rejected.
type AuditRecord struct {
	EventID        string        `json:"eventId"`
	WorkspaceID    string        `json:"workspaceId"`
	OperatorID     string        `json:"operatorId"`
	MunicipalityID string        `json:"municipalityId"`
	Timestamp      string        `json:"timestamp"`
	Trigger        string        `json:"trigger"`
	Intent         string        `json:"intent"`
	Rationale      string        `json:"rationale,omitempty"`
	Evidence       AuditEvidence `json:"evidence"`
	PlanHash       string        `json:"planHash,omitempty"`
}

// UIFeedback drives the operator-facing surfaces: a short status label for
// the workspace LCD strip, a toast sentence, and the form field to focus for
// remediation.
type UIFeedback struct {
	LCDStatus string `json:"lcdStatus"`
	Toast     string `json:"toast"`
	Focus     string `json:"focus,omitempty"`
}

// Result is the complete outcome of one evaluation. Rejections are results,
// not errors.
type Result struct {
	Status        Status      `json:"status"`
	Approved      bool        `json:"approved"`
	Reason        string      `json:"reason,omitempty"`
	SchemaVersion string      `json:"schemaVersion"`
	ActionPlan    []PlanStep  `json:"actionPlan"`
	AuditRecord   AuditRecord `json:"auditRecord"`
	Notices       []string    `json:"notices,omitempty"`
	NextSteps     []string    `json:"nextSteps,omitempty"`
	Warnings      []string    `json:"warnings,omitempty"`
	UIFeedback    UIFeedback  `json:"uiFeedback"`
}
