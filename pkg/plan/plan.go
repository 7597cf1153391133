// Package plan assembles the ordered, tamper-evident action plan for a
// validated request and computes the integrity hash that binds decision time
// to execution time. Governed steps come from an injected connector plan
// builder; launcher steps use small fixed shapes per intent.
package plan

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/munigrid/mandate/pkg/canonicalize"
	"github.com/munigrid/mandate/pkg/connector"
	"github.com/munigrid/mandate/pkg/decision"
	"github.com/munigrid/mandate/pkg/validate"
)

var automationID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Fault is a recordable planning failure. It maps onto a rejection the same
// way a validation failure does; anything not expressible as a Fault is an
// infrastructure error and propagates.
type Fault struct {
	Reason      string
	Toast       string
	Focus       string
	Remediation []string
}

// Assembly is the prepared plan: ordered steps with the final hash injected
// into every step envelope under "planHash".
type Assembly struct {
	Steps []decision.PlanStep
	Hash  string
}

// Assembler builds plans against one connector catalog.
type Assembler struct {
	builder Builder
	health  *connector.HealthRegistry
}

// New creates an Assembler. A nil health registry disables the health gate.
func New(builder Builder, health *connector.HealthRegistry) *Assembler {
	return &Assembler{builder: builder, health: health}
}

// Assemble builds one step per validated target and computes the plan hash
// over the request action (volatile fields stripped) plus the ordered step
// envelopes. When the caller asserted an expectedPlanHash that disagrees,
// assembly fails before the hash is injected anywhere.
func (a *Assembler) Assemble(req *decision.Request, v *validate.Validated) (*Assembly, *Fault, error) {
	var (
		steps []decision.PlanStep
		fault *Fault
		err   error
	)
	if v.Mode == decision.ModeLaunch {
		steps, fault = a.launcherSteps(v)
	} else {
		steps, fault, err = a.governedSteps(req, v)
	}
	if err != nil || fault != nil {
		return nil, fault, err
	}

	hash, err := a.hash(req, steps)
	if err != nil {
		return nil, nil, err
	}

	if expected := req.Action.ExpectedPlanHash(); expected != "" && expected != hash {
		return nil, &Fault{
			Reason:      decision.ReasonPlanHashMismatch,
			Toast:       "Prepared plan does not match the expected plan hash.",
			Focus:       "metadata.expectedPlanHash",
			Remediation: []string{"refresh_expected_plan_hash"},
		}, nil
	}

	for i := range steps {
		steps[i].Plan["planHash"] = hash
	}
	return &Assembly{Steps: steps, Hash: hash}, nil, nil
}

// hash digests the action with requestId and the caller's integrity
// assertions stripped, plus each step's {stepId, connector, plan} with
// requestId stripped, so resubmissions of the same action hash identically.
func (a *Assembler) hash(req *decision.Request, steps []decision.PlanStep) (string, error) {
	action, err := canonicalize.Strip(req.Action,
		"requestId",
		decision.MetaExpectedPlanHash,
		decision.MetaCanonicalURL,
		decision.MetaCanonicalHash,
	)
	if err != nil {
		return "", err
	}
	// Stripping can leave an empty metadata object. Drop it so an action
	// that carried only volatile assertions hashes identically to one that
	// never carried metadata at all.
	if m, ok := action.(map[string]interface{}); ok {
		if meta, ok := m["metadata"].(map[string]interface{}); ok && len(meta) == 0 {
			delete(m, "metadata")
		}
	}
	ordered := make([]interface{}, 0, len(steps))
	for _, s := range steps {
		plan, err := canonicalize.Strip(s.Plan, "requestId")
		if err != nil {
			return "", err
		}
		ordered = append(ordered, map[string]interface{}{
			"stepId":    s.StepID,
			"connector": s.Connector,
			"plan":      plan,
		})
	}
	b, err := canonicalize.JCS(map[string]interface{}{
		"action": action,
		"steps":  ordered,
	})
	if err != nil {
		return "", err
	}
	return canonicalize.Digest(b), nil
}

func (a *Assembler) governedSteps(req *decision.Request, v *validate.Validated) ([]decision.PlanStep, *Fault, error) {
	steps := make([]decision.PlanStep, 0, len(v.Connectors))
	for i, t := range v.Connectors {
		if a.health != nil {
			if h := a.health.Status(t.Connector); !h.Healthy {
				toast := fmt.Sprintf("Connector %q is currently unhealthy.", t.Connector)
				if h.Detail != "" {
					toast = fmt.Sprintf("Connector %q is currently unhealthy: %s.", t.Connector, h.Detail)
				}
				return nil, &Fault{
					Reason:      decision.ReasonConnectorUnhealthy,
					Toast:       toast,
					Focus:       "action.targets",
					Remediation: []string{"retry_when_connector_healthy"},
				}, nil
			}
		}
		stepID := stepID(i)
		built, err := a.builder.Build(BuildInput{
			Target:    t,
			Metadata:  req.Action.Metadata,
			FileStem:  v.FileStem,
			Retention: v.Retention,
			Intent:    v.Intent.Name,
			RequestID: req.Action.RequestID,
			StepID:    stepID,
		})
		if errors.Is(err, ErrUnsupportedConnector) {
			return nil, &Fault{
				Reason:      decision.ReasonConnectorNotAllowed,
				Toast:       fmt.Sprintf("No plan shape is available for connector %q.", t.Connector),
				Focus:       "action.targets",
				Remediation: []string{"use_allowed_connector"},
			}, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("plan: build %s for %s: %w", stepID, t.Connector, err)
		}
		steps = append(steps, decision.PlanStep{
			StepID:      stepID,
			Description: fmt.Sprintf("Execute %s against %s", v.Intent.Name, t.Raw),
			Connector:   t.Connector,
			Status:      decision.StepStatusPrepared,
			Plan:        built,
		})
	}
	return steps, nil, nil
}

func (a *Assembler) launcherSteps(v *validate.Validated) ([]decision.PlanStep, *Fault) {
	steps := make([]decision.PlanStep, 0, len(v.Targets))
	for i, raw := range v.Targets {
		target := strings.TrimSpace(raw)
		if target == "" {
			return nil, unsupportedTarget(raw, v.Intent.Name)
		}
		step, fault := launcherStep(v.Intent.Name, stepID(i), target)
		if fault != nil {
			return nil, fault
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func launcherStep(intent, stepID, target string) (decision.PlanStep, *Fault) {
	switch intent {
	case "open-repository":
		ref, tail := target, ""
		if i := strings.IndexByte(target, ':'); i >= 0 {
			ref, tail = target[:i], target[i+1:]
		}
		parts := strings.Split(ref, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return decision.PlanStep{}, unsupportedTarget(target, intent)
		}
		plan := map[string]interface{}{
			"kind":  "open-repository",
			"owner": parts[0],
			"repo":  parts[1],
		}
		if tail != "" {
			plan["path"] = tail
		}
		return decision.PlanStep{
			StepID:      stepID,
			Description: fmt.Sprintf("Open repository %s/%s", parts[0], parts[1]),
			Connector:   "github",
			Status:      decision.StepStatusPrepared,
			Plan:        plan,
		}, nil

	case "open-365-location":
		return decision.PlanStep{
			StepID:      stepID,
			Description: fmt.Sprintf("Open Microsoft 365 location %s", target),
			Connector:   "m365",
			Status:      decision.StepStatusPrepared,
			Plan: map[string]interface{}{
				"kind":     "open-365-location",
				"location": target,
			},
		}, nil

	case "run-automation":
		id := strings.TrimPrefix(target, "automation:")
		if !automationID.MatchString(id) {
			return decision.PlanStep{}, unsupportedTarget(target, intent)
		}
		return decision.PlanStep{
			StepID:      stepID,
			Description: fmt.Sprintf("Run automation %s", id),
			Connector:   "automation",
			Status:      decision.StepStatusPrepared,
			Plan: map[string]interface{}{
				"kind":         "run-automation",
				"automationId": id,
			},
		}, nil

	case "health-check":
		t, err := connector.ParseTarget(target)
		if err != nil {
			// A bare connector name checks the connector itself.
			t = connector.Target{Connector: strings.ToLower(target), Raw: target}
		}
		return decision.PlanStep{
			StepID:      stepID,
			Description: fmt.Sprintf("Check health of connector %s", t.Connector),
			Connector:   t.Connector,
			Status:      decision.StepStatusPrepared,
			Plan: map[string]interface{}{
				"kind":      "health-check",
				"connector": t.Connector,
				"target":    t.Rest,
			},
		}, nil

	default:
		// Launcher intents from extended rule tables pass through.
		return decision.PlanStep{
			StepID:      stepID,
			Description: fmt.Sprintf("Launch %s for %s", intent, target),
			Connector:   "system",
			Status:      decision.StepStatusPrepared,
			Plan: map[string]interface{}{
				"kind":   intent,
				"target": target,
			},
		}, nil
	}
}

func unsupportedTarget(target, intent string) *Fault {
	return &Fault{
		Reason:      decision.ReasonUnsupportedTarget,
		Toast:       fmt.Sprintf("Target %q is not a valid %s target.", target, intent),
		Focus:       "action.targets",
		Remediation: []string{"fix_target_format"},
	}
}

func stepID(i int) string {
	return fmt.Sprintf("step-%d", i+1)
}
