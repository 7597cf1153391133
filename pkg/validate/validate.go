// Package validate implements the short-circuiting input validation chain:
// injection screen, intent and mode resolution, trigger checks, and the
// launcher/governed branch requirements. Every check is pure; a failed check
// is a structured rejection, not an error.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/munigrid/mandate/pkg/connector"
	"github.com/munigrid/mandate/pkg/decision"
	"github.com/munigrid/mandate/pkg/ruleset"
)

// restrictedTargets screens launcher targets under strict mode. The match is
// textual on purpose: sealed-record systems are named, not registered.
var restrictedTargets = regexp.MustCompile(`(?i)(restricted|sealed|secret|private)`)

// Rejection is a terminal validation verdict with the operator remediation
// surface attached.
type Rejection struct {
	Reason      string
	Toast       string
	Focus       string
	Remediation []string
}

// Validated carries everything the downstream stages need from a request
// that passed the chain.
type Validated struct {
	Intent ruleset.Intent
	Mode   decision.Mode
	// Trigger is the validated trigger type, "" when none was supplied.
	Trigger  string
	Evidence decision.TriggerEvidence
	// Targets are the effective raw target strings, including the
	// synthetic system target a bare health-check receives.
	Targets []string
	// Connectors are the parsed governed targets; empty on the launch
	// branch, whose targets are free-form.
	Connectors []connector.Target
	// FileStem is the normalized archival name, governed branch only.
	FileStem  string
	Retention ruleset.Retention
	Emergency bool
	Warnings  []string
}

// Validator runs the chain against one rule table set.
type Validator struct {
	rules *ruleset.Ruleset
}

// New creates a Validator over compiled rules.
func New(rules *ruleset.Ruleset) *Validator {
	return &Validator{rules: rules}
}

// Validate runs the full chain. Exactly one of the returns is non-nil.
func (v *Validator) Validate(req *decision.Request) (*Validated, *Rejection) {
	action := &req.Action

	// 1. Injection screen: every string in the action payload, recursively.
	if rej := v.scanInjection(action); rej != nil {
		return nil, rej
	}

	// 2. Intent allow-list, legacy aliases folded onto governed intents.
	intent, ok := v.rules.ResolveIntent(action.Intent)
	if !ok {
		return nil, &Rejection{
			Reason:      decision.ReasonIntentNotAllowed,
			Toast:       fmt.Sprintf("Intent %q is not recognized. Allowed intents: %s.", action.Intent, strings.Join(v.rules.IntentNames(), ", ")),
			Focus:       "action.intent",
			Remediation: []string{"use_allowed_intent"},
		}
	}

	// 3. Mode resolution. An explicit mode wins, but a governed intent can
	// never be forced down to the launch branch.
	mode, rej := resolveMode(action.Mode, intent)
	if rej != nil {
		return nil, rej
	}

	// 4. Trigger type, when one is supplied at all.
	triggerType := ""
	if action.Trigger != nil {
		triggerType = strings.TrimSpace(action.Trigger.Type)
	}
	if triggerType != "" && !decision.ValidTriggerType(triggerType) {
		return nil, &Rejection{
			Reason:      decision.ReasonInvalidTrigger,
			Toast:       fmt.Sprintf("Trigger type %q is not recognized. Allowed triggers: %s.", triggerType, strings.Join(decision.TriggerTypes(), ", ")),
			Focus:       "action.trigger.type",
			Remediation: []string{"use_allowed_trigger"},
		}
	}

	if mode == decision.ModeLaunch {
		return v.validateLaunch(req, intent, triggerType)
	}
	return v.validateGoverned(req, intent, triggerType)
}

func resolveMode(explicit string, intent ruleset.Intent) (decision.Mode, *Rejection) {
	inferred := decision.ModeGoverned
	if intent.Tier == ruleset.TierLauncher {
		inferred = decision.ModeLaunch
	}
	explicit = strings.ToLower(strings.TrimSpace(explicit))
	if explicit == "" || !decision.ValidMode(explicit) {
		return inferred, nil
	}
	mode := decision.Mode(explicit)
	if mode == decision.ModeLaunch && inferred == decision.ModeGoverned {
		return "", &Rejection{
			Reason:      decision.ReasonInvalidMode,
			Toast:       fmt.Sprintf("Intent %q requires governance and cannot run in launch mode.", intent.Requested),
			Focus:       "action.mode",
			Remediation: []string{"use_governed_mode"},
		}
	}
	return mode, nil
}

func (v *Validator) scanInjection(action *decision.Action) *Rejection {
	var matched bool
	walkStrings(actionStrings(action), func(s string) {
		if matched {
			return
		}
		if _, hit := v.rules.ScanInjection(s); hit {
			matched = true
		}
	})
	if !matched {
		return nil
	}
	return &Rejection{
		Reason: decision.ReasonInjectionDetected,
		Toast:  "Injection attempt detected.",
		Focus:  "",
	}
}

func (v *Validator) validateLaunch(req *decision.Request, intent ruleset.Intent, triggerType string) (*Validated, *Rejection) {
	targets := append([]string(nil), req.Action.Targets...)
	if len(targets) == 0 {
		if intent.Name != "health-check" {
			return nil, &Rejection{
				Reason:      decision.ReasonMissingTargets,
				Toast:       "At least one target is required.",
				Focus:       "action.targets",
				Remediation: []string{"add_target"},
			}
		}
		targets = []string{connector.SystemHealthTarget}
	}

	if req.Municipality.RiskProfile.StrictMode {
		for _, target := range targets {
			if flag, hit := screenTarget(target, req.Municipality.RiskProfile.Flagged); hit {
				return nil, &Rejection{
					Reason:      decision.ReasonTargetRestricted,
					Toast:       fmt.Sprintf("Target %q is restricted under this municipality's strict mode (%s).", target, flag),
					Focus:       "action.targets",
					Remediation: []string{"remove_restricted_target"},
				}
			}
		}
	}

	return &Validated{
		Intent:  intent,
		Mode:    decision.ModeLaunch,
		Trigger: triggerType,
		Targets: targets,
	}, nil
}

func (v *Validator) validateGoverned(req *decision.Request, intent ruleset.Intent, triggerType string) (*Validated, *Rejection) {
	out := &Validated{
		Intent:  intent,
		Mode:    decision.ModeGoverned,
		Trigger: triggerType,
	}

	// Charter: all four commitments, no exceptions.
	if !req.Workspace.Charter.Complete() {
		missing := req.Workspace.Charter.Missing()
		return nil, &Rejection{
			Reason:      decision.ReasonCharterIncomplete,
			Toast:       fmt.Sprintf("Workspace charter is incomplete: %s not affirmed.", strings.Join(missing, ", ")),
			Focus:       "workspace.charter",
			Remediation: []string{"complete_workspace_charter"},
		}
	}

	// Trigger with citation evidence.
	if triggerType == "" {
		return nil, &Rejection{
			Reason:      decision.ReasonInvalidTrigger,
			Toast:       "Governed actions require a trigger. Allowed triggers: " + strings.Join(decision.TriggerTypes(), ", ") + ".",
			Focus:       "action.trigger.type",
			Remediation: []string{"use_allowed_trigger"},
		}
	}
	if req.Action.Trigger.Evidence == nil || req.Action.Trigger.Evidence.Empty() {
		return nil, &Rejection{
			Reason:      decision.ReasonMissingEvidence,
			Toast:       "Governed actions require trigger evidence: a statute citation or a policy key.",
			Focus:       "action.trigger.evidence",
			Remediation: []string{"cite_statute_or_policy"},
		}
	}
	out.Evidence = *req.Action.Trigger.Evidence

	// Human-authored rationale.
	if req.Action.Rationale() == "" {
		return nil, &Rejection{
			Reason:      decision.ReasonMissingRationale,
			Toast:       "A written rationale is required for governed actions.",
			Focus:       "metadata.rationale",
			Remediation: []string{"provide_rationale"},
		}
	}

	// Emergency urgency demands explicit public-safety justification.
	if req.Action.Urgency() == decision.UrgencyEmergency {
		if req.Action.PublicSafetyJustification() == "" {
			return nil, &Rejection{
				Reason:      decision.ReasonMissingJustification,
				Toast:       "Emergency actions require an explicit public-safety justification.",
				Focus:       "metadata.publicSafetyJustification",
				Remediation: []string{"provide_public_safety_justification"},
			}
		}
		out.Emergency = true
	}

	// Archival name with retention class.
	meta, ok := req.Action.ArchiveDescriptor()
	if !ok {
		return nil, &Rejection{
			Reason:      decision.ReasonInvalidArchivalName,
			Toast:       "Governed actions require an archival descriptor (dept, type, date, seq, v).",
			Focus:       "metadata.archive",
			Remediation: []string{"fix_archival_descriptor"},
		}
	}
	desc, err := ParseDescriptor(meta)
	if err != nil {
		return nil, &Rejection{
			Reason:      decision.ReasonInvalidArchivalName,
			Toast:       fmt.Sprintf("Archival descriptor is invalid: %v.", err),
			Focus:       "metadata.archive",
			Remediation: []string{"fix_archival_descriptor"},
		}
	}
	out.FileStem = desc.Stem()
	retention, listed := v.rules.RetentionFor(desc.Type)
	out.Retention = retention
	if !listed {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("record type %q has no retention mapping; default %s applied (route %s)", strings.ToLower(desc.Type), retention.Class, retention.Route))
	}

	// Targets with governed connector prefixes.
	if len(req.Action.Targets) == 0 {
		return nil, &Rejection{
			Reason:      decision.ReasonMissingTargets,
			Toast:       "At least one target is required.",
			Focus:       "action.targets",
			Remediation: []string{"add_target"},
		}
	}
	parsed, err := connector.ParseTargets(req.Action.Targets)
	if err != nil {
		return nil, &Rejection{
			Reason:      decision.ReasonConnectorNotAllowed,
			Toast:       fmt.Sprintf("Target is not resolvable: %v. Targets use the form <connector>:<resource>.", err),
			Focus:       "action.targets",
			Remediation: []string{"use_allowed_connector"},
		}
	}
	for _, t := range parsed {
		if !v.rules.GovernedConnector(t.Connector) {
			return nil, &Rejection{
				Reason:      decision.ReasonConnectorNotAllowed,
				Toast:       fmt.Sprintf("Connector %q is not allowed for governed actions. Allowed connectors: %s.", t.Connector, strings.Join(v.rules.GovernedConnectors(), ", ")),
				Focus:       "action.targets",
				Remediation: []string{"use_allowed_connector"},
			}
		}
	}
	out.Targets = append([]string(nil), req.Action.Targets...)
	out.Connectors = parsed
	return out, nil
}

// screenTarget reports whether a target trips the strict-mode screen, and
// which flag or pattern tripped it.
func screenTarget(target string, flagged []string) (string, bool) {
	lower := strings.ToLower(target)
	for _, flag := range flagged {
		f := strings.ToLower(strings.TrimSpace(flag))
		if f != "" && strings.Contains(lower, f) {
			return "flagged: " + f, true
		}
	}
	if m := restrictedTargets.FindString(target); m != "" {
		return "pattern: " + strings.ToLower(m), true
	}
	return "", false
}
