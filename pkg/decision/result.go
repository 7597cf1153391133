package decision

import (
	"encoding/json"
	"fmt"

	"github.com/munigrid/mandate/pkg/canonicalize"
)

// NewRejection builds the uniform rejection envelope. remediation entries are
// machine-readable next steps the submission layer can key flows off.
func NewRejection(schemaVersion string, audit AuditRecord, reason, toast, focus string, remediation ...string) *Result {
	return &Result{
		Status:        StatusRejected,
		Approved:      false,
		Reason:        reason,
		SchemaVersion: schemaVersion,
		ActionPlan:    []PlanStep{},
		AuditRecord:   audit,
		NextSteps:     remediation,
		UIFeedback: UIFeedback{
			LCDStatus: lcdStatus(StatusRejected, reason),
			Toast:     toast,
			Focus:     focus,
		},
	}
}

// NewApproval builds the uniform approval envelope.
func NewApproval(schemaVersion string, audit AuditRecord, steps []PlanStep, toast string) *Result {
	if steps == nil {
		steps = []PlanStep{}
	}
	return &Result{
		Status:        StatusApproved,
		Approved:      true,
		SchemaVersion: schemaVersion,
		ActionPlan:    steps,
		AuditRecord:   audit,
		UIFeedback: UIFeedback{
			LCDStatus: lcdStatus(StatusApproved, ""),
			Toast:     toast,
		},
	}
}

func lcdStatus(status Status, reason string) string {
	if status == StatusApproved {
		return "APPROVED"
	}
	switch reason {
	case ReasonInjectionDetected:
		return "BLOCKED"
	case ReasonDecisionInProgress:
		return "PENDING"
	default:
		return "REJECTED"
	}
}

// Clone returns a deep copy taken through the JSON form. Every waiter on a
// coalesced evaluation receives its own copy; callers may mutate the clone
// freely without affecting replays.
func (r *Result) Clone() (*Result, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("decision: clone marshal: %w", err)
	}
	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decision: clone unmarshal: %w", err)
	}
	return &out, nil
}

// Equal reports deep equality of two results through their canonical JSON
// encodings, the same equality replays are held to.
func (r *Result) Equal(other *Result) (bool, error) {
	if r == nil || other == nil {
		return r == other, nil
	}
	h1, err := canonicalize.CanonicalHash(r)
	if err != nil {
		return false, err
	}
	h2, err := canonicalize.CanonicalHash(other)
	if err != nil {
		return false, err
	}
	return h1 == h2, nil
}
