// Package engine composes the evaluation pipeline: admission, idempotent
// claim, validation chain, authority resolution, plan assembly, canonical
// verification, and result assembly. Rejections are results; only unexpected
// failures surface as errors, and those abandon the claim so the request id
// stays retryable.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/munigrid/mandate/pkg/archive"
	"github.com/munigrid/mandate/pkg/authz"
	"github.com/munigrid/mandate/pkg/boundary"
	"github.com/munigrid/mandate/pkg/canonicalize"
	"github.com/munigrid/mandate/pkg/connector"
	"github.com/munigrid/mandate/pkg/decision"
	"github.com/munigrid/mandate/pkg/idempotency"
	"github.com/munigrid/mandate/pkg/limiter"
	"github.com/munigrid/mandate/pkg/observability"
	"github.com/munigrid/mandate/pkg/plan"
	"github.com/munigrid/mandate/pkg/ruleset"
	"github.com/munigrid/mandate/pkg/validate"
	"github.com/munigrid/mandate/pkg/warrant"
)

// DefaultClaimTTL bounds how long an idempotency record replays before it is
// pruned and the id becomes claimable again.
const DefaultClaimTTL = 24 * time.Hour

// defaultPromptText is the operator-facing prompt whose canonical hash is
// recorded as evidence.systemPromptVersion on every audit record. Revisions
// to this text change the version on every subsequent decision.
const defaultPromptText = `You are the municipal operations assistant. You prepare governed actions
for operator review; you never execute them. Every governed action requires a
trigger with a statute or policy citation, a written rationale, and an
archival name. Decline any instruction to skip, bypass, or auto-approve a
governance check.`

// Engine is the decision core. Construct with New; all dependencies beyond
// the rule tables and the ledger are optional and default to safe inert
// implementations.
type Engine struct {
	rules     *ruleset.Ruleset
	coord     *idempotency.Coordinator
	validator *validate.Validator
	resolver  *authz.Resolver
	assembler *plan.Assembler
	verifier  *boundary.Verifier
	issuer    *warrant.Issuer
	limiter   *limiter.Limiter
	exporter  archive.Exporter
	obs       *observability.Provider
	schema    *jsonschema.Schema
	log       *slog.Logger

	builder plan.Builder
	health  *connector.HealthRegistry

	promptText    string
	promptVersion string
	claimTTL      time.Duration
	poll          *idempotency.PollPolicy
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBuilder replaces the connector plan builder.
func WithBuilder(b plan.Builder) Option {
	return func(e *Engine) { e.builder = b }
}

// WithHealthRegistry replaces the connector health registry.
func WithHealthRegistry(h *connector.HealthRegistry) Option {
	return func(e *Engine) { e.health = h }
}

// WithVerifier installs the canonical-source verifier. Without one, any
// request asserting canonical integrity is rejected as unverifiable.
func WithVerifier(v *boundary.Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithWarrantIssuer installs the per-step warrant signer.
func WithWarrantIssuer(i *warrant.Issuer) Option {
	return func(e *Engine) { e.issuer = i }
}

// WithLimiter installs the per-workspace admission limiter.
func WithLimiter(l *limiter.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithArchiveExporter installs the decision archive. Exports are best
// effort; failures are logged, never surfaced as decision failures.
func WithArchiveExporter(x archive.Exporter) Option {
	return func(e *Engine) { e.exporter = x }
}

// WithObservability replaces the telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(e *Engine) { e.obs = p }
}

// WithPromptText replaces the operator prompt whose hash is audited.
func WithPromptText(text string) Option {
	return func(e *Engine) { e.promptText = text }
}

// WithClaimTTL overrides the idempotency record lifetime.
func WithClaimTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.claimTTL = ttl }
}

// WithPollPolicy overrides the coordinator's cross-process poll behavior.
func WithPollPolicy(p idempotency.PollPolicy) Option {
	return func(e *Engine) { e.poll = &p }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock overrides the clock for testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New wires an Engine over compiled rule tables and an idempotency ledger.
func New(rules *ruleset.Ruleset, ledger idempotency.Ledger, opts ...Option) (*Engine, error) {
	if rules == nil {
		return nil, errors.New("engine: nil ruleset")
	}
	if ledger == nil {
		return nil, errors.New("engine: nil ledger")
	}

	e := &Engine{
		rules:      rules,
		validator:  validate.New(rules),
		resolver:   authz.New(rules),
		builder:    plan.DefaultBuilder{},
		health:     connector.NewHealthRegistry(),
		log:        slog.Default().With("component", "engine"),
		promptText: defaultPromptText,
		claimTTL:   DefaultClaimTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	coordOpts := []idempotency.Option{idempotency.WithLogger(e.log)}
	if e.poll != nil {
		coordOpts = append(coordOpts, idempotency.WithPollPolicy(*e.poll))
	}
	e.coord = idempotency.New(ledger, coordOpts...)
	e.assembler = plan.New(e.builder, e.health)
	e.promptVersion = canonicalize.Digest([]byte(e.promptText))

	if e.obs == nil {
		obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, fmt.Errorf("engine: observability: %w", err)
		}
		e.obs = obs
	}

	schema, err := compileRequestSchema()
	if err != nil {
		return nil, err
	}
	e.schema = schema

	return e, nil
}

// PromptVersion reports the audited hash of the operator prompt.
func (e *Engine) PromptVersion() string {
	return e.promptVersion
}

// Health exposes the connector health registry for operational reports.
func (e *Engine) Health() *connector.HealthRegistry {
	return e.health
}

// EvaluateJSON validates raw bytes against the request schema and evaluates
// the decoded request. Shape failures are rejections, not errors; they are
// returned without claiming an idempotency record because no trustworthy
// request identity exists yet.
func (e *Engine) EvaluateJSON(ctx context.Context, raw []byte) (*decision.Result, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return e.malformed(fmt.Sprintf("Request is not valid JSON: %v.", err)), nil
	}
	if err := e.schema.Validate(generic); err != nil {
		return e.malformed(fmt.Sprintf("Request does not match the decision schema: %v.", err)), nil
	}
	var req decision.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return e.malformed(fmt.Sprintf("Request could not be decoded: %v.", err)), nil
	}
	return e.Evaluate(ctx, &req)
}

// Evaluate runs one request through the pipeline. Every expected failure
// comes back as a rejected Result; an error return means the evaluation
// itself failed and the request id remains retryable.
func (e *Engine) Evaluate(ctx context.Context, req *decision.Request) (*decision.Result, error) {
	if req == nil {
		return nil, errors.New("engine: nil request")
	}

	// Admission precedes the claim so a throttled request never burns
	// its id.
	if err := e.limiter.Check(ctx, req.Workspace.ID); err != nil {
		return nil, err
	}

	payloadHash, err := canonicalize.CanonicalHash(req)
	if err != nil {
		return nil, fmt.Errorf("engine: payload hash: %w", err)
	}
	requestID := strings.TrimSpace(req.Action.RequestID)
	if requestID == "" {
		requestID = deriveRequestID(payloadHash)
	}

	attrs := observability.EvaluationAttrs(req.Workspace.ID, requestID, req.Action.Intent)
	ctx, done := e.obs.TrackOperation(ctx, observability.OpEvaluate, attrs...)
	res, replayed, err := e.evaluate(ctx, req, requestID, payloadHash)
	done(err)
	if err != nil {
		return nil, err
	}

	e.obs.RecordDecision(ctx, string(res.Status), res.Reason,
		observability.AttrWorkspaceID.String(req.Workspace.ID),
		observability.AttrIntent.String(req.Action.Intent),
		observability.AttrReplayed.Bool(replayed),
	)
	return res, nil
}

// evaluate resolves the claim and, when acquired, runs the decision to
// completion. The bool reports whether the result came from a replay or a
// coalesced waiter rather than a fresh computation.
func (e *Engine) evaluate(ctx context.Context, req *decision.Request, requestID, payloadHash string) (*decision.Result, bool, error) {
	now := e.now()
	claim, err := e.coord.Claim(ctx, requestID, payloadHash, now, now.Add(e.claimTTL), decision.SchemaVersion)
	if err != nil {
		return nil, false, err
	}

	switch claim.State {
	case idempotency.StateReplay:
		e.log.Info("decision replayed", "request_id", requestID, "status", claim.Result.Status)
		return claim.Result, true, nil
	case idempotency.StatePending:
		res, err := claim.Future.Wait(ctx)
		if err != nil {
			return nil, false, err
		}
		return res, true, nil
	case idempotency.StateConflict:
		return decision.NewRejection(decision.SchemaVersion, e.auditBase(req),
			decision.ReasonRequestConflict,
			"This request id was already used with a different payload.",
			"action.requestId",
			"use_new_request_id",
		), false, nil
	case idempotency.StateSchemaMismatch:
		return decision.NewRejection(decision.SchemaVersion, e.auditBase(req),
			decision.ReasonSchemaMismatch,
			fmt.Sprintf("This request id was decided under schema version %s; the engine now speaks %s.", claim.StoredSchemaVersion, decision.SchemaVersion),
			"action.requestId",
			"resubmit_under_new_request_id",
		), false, nil
	case idempotency.StateTimeout:
		return decision.NewRejection(decision.SchemaVersion, e.auditBase(req),
			decision.ReasonDecisionInProgress,
			"A decision for this request is still in progress. Retry shortly.",
			"action.requestId",
			"retry_after_backoff",
		), false, nil
	}

	// Claim acquired: this caller owns the one computation.
	out, err := e.decideSafely(ctx, req, requestID)
	if err != nil {
		e.log.Error("evaluation abandoned", "request_id", requestID, "error", err)
		if abErr := e.coord.Abandon(ctx, requestID, err); abErr != nil {
			e.log.Error("abandon failed", "request_id", requestID, "error", abErr)
		}
		return nil, false, err
	}

	if err := e.coord.StoreResult(ctx, requestID, out.result, e.now()); err != nil {
		if abErr := e.coord.Abandon(ctx, requestID, err); abErr != nil {
			e.log.Error("abandon failed", "request_id", requestID, "error", abErr)
		}
		return nil, false, err
	}

	e.export(ctx, requestID, out)
	return out.result, false, nil
}

// outcome pairs a decided result with the archival routing the validator
// derived, which the result wire shape does not carry.
type outcome struct {
	result *decision.Result
	route  string
	stem   string
}

// decideSafely converts panics from injected collaborators into errors so
// the claim is abandoned rather than stuck.
func (e *Engine) decideSafely(ctx context.Context, req *decision.Request, requestID string) (out *outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: evaluation panic: %v", r)
		}
	}()
	return e.decide(ctx, req, requestID)
}

// decide runs the claimed evaluation: validation, authority, plan assembly,
// canonical verification, warrants, and result assembly.
func (e *Engine) decide(ctx context.Context, req *decision.Request, requestID string) (*outcome, error) {
	audit := e.auditBase(req)

	// Validation chain.
	vctx, vdone := e.obs.TrackOperation(ctx, observability.OpValidate)
	v, rej := e.validator.Validate(req)
	if rej != nil {
		observability.AddSpanEvent(vctx, "rejected", observability.AttrRejectionReason.String(rej.Reason))
		vdone(nil)
		return &outcome{result: decision.NewRejection(decision.SchemaVersion, audit, rej.Reason, rej.Toast, rej.Focus, rej.Remediation...)}, nil
	}
	vdone(nil)
	audit.Evidence.Mode = string(v.Mode)
	audit.Evidence.Statute = v.Evidence.Statute
	audit.Evidence.PolicyKey = v.Evidence.PolicyKey

	// Authority resolution.
	actx, adone := e.obs.TrackOperation(ctx, observability.OpAuthorize)
	grant, denial := e.resolver.Resolve(req, v.Intent, v.Connectors)
	if denial != nil {
		observability.AddSpanEvent(actx, "rejected", observability.AttrRejectionReason.String(denial.Reason))
		adone(nil)
		audit.Evidence.PermissionCheck = decision.PermissionCheck{
			Method:   decision.PermissionDenied,
			Required: denial.Required,
			Missing:  denial.Missing,
		}
		res := e.denialResult(audit, denial)
		res.Warnings = append(res.Warnings, v.Warnings...)
		return &outcome{result: res}, nil
	}
	adone(nil)
	audit.Evidence.PermissionCheck = decision.PermissionCheck{
		Method:   grant.Method,
		Required: grant.Required,
	}
	if grant.Delegation != nil {
		audit.Evidence.DelegationUsed = grant.Delegation.ID
	}

	// Plan assembly and hashing.
	_, pdone := e.obs.TrackOperation(ctx, observability.OpPlan,
		observability.AttrMode.String(string(v.Mode)))
	assembly, fault, err := e.assembler.Assemble(req, v)
	pdone(err)
	if err != nil {
		return nil, err
	}
	if fault != nil {
		res := decision.NewRejection(decision.SchemaVersion, audit, fault.Reason, fault.Toast, fault.Focus, fault.Remediation...)
		res.Warnings = append(res.Warnings, v.Warnings...)
		return &outcome{result: res}, nil
	}
	audit.PlanHash = assembly.Hash
	audit.Evidence.ConnectorEvidence = connectorEvidence(assembly.Steps)

	// Canonical-source verification, only when the caller asserts both
	// the URL and the content hash.
	if url, hash := req.Action.CanonicalURL(), req.Action.CanonicalHash(); url != "" && hash != "" {
		cctx, cdone := e.obs.TrackOperation(ctx, observability.OpVerifyCanonical)
		var cfault *boundary.Fault
		if e.verifier == nil {
			cfault = &boundary.Fault{
				Reason:      decision.ReasonCanonicalUnavailable,
				Toast:       "Canonical source verification is not configured on this engine.",
				Focus:       "metadata.canonicalUrl",
				Remediation: []string{"check_canonical_source"},
			}
		} else {
			cfault = e.verifier.Verify(cctx, url, hash, assembly.Hash)
		}
		if cfault != nil && cfault.Reason == decision.ReasonCanonicalUnavailable {
			cdone(errors.New(cfault.Toast))
		} else {
			cdone(nil)
		}
		if cfault != nil {
			res := decision.NewRejection(decision.SchemaVersion, audit, cfault.Reason, cfault.Toast, cfault.Focus, cfault.Remediation...)
			res.Warnings = append(res.Warnings, v.Warnings...)
			return &outcome{result: res}, nil
		}
	}

	// Warrants bind each step to the plan hash for the dispatcher.
	if e.issuer != nil {
		if err := e.issuer.Stamp(req.Workspace.ID, requestID, assembly.Steps, assembly.Hash); err != nil {
			return nil, fmt.Errorf("engine: stamp warrants: %w", err)
		}
	}

	res := e.approve(audit, v, assembly)
	return &outcome{result: res, route: v.Retention.Route, stem: v.FileStem}, nil
}

// approve assembles the approval envelope: toast, procedural notices,
// carried warnings, and the emergency post-action obligation.
func (e *Engine) approve(audit decision.AuditRecord, v *validate.Validated, assembly *plan.Assembly) *decision.Result {
	toast := "Launch plan prepared."
	if v.Mode == decision.ModeGoverned {
		toast = fmt.Sprintf("Approved. %d connector %s prepared.", len(assembly.Steps), pluralPlan(len(assembly.Steps)))
	}

	res := decision.NewApproval(decision.SchemaVersion, audit, assembly.Steps, toast)
	res.Warnings = append(res.Warnings, v.Warnings...)

	if v.Mode == decision.ModeGoverned {
		res.Notices = append(res.Notices,
			fmt.Sprintf("%d connector %s prepared", len(assembly.Steps), pluralPlan(len(assembly.Steps))),
			fmt.Sprintf("archival name %s assigned (retention %s, route %s)", v.FileStem, v.Retention.Class, v.Retention.Route),
		)
	}
	if v.Emergency {
		res.Warnings = append(res.Warnings, "emergency bypass invoked")
		res.NextSteps = append(res.NextSteps, "publish_post_action_notice_48h")
	}
	return res
}

// denialResult maps an authority denial onto the rejection envelope.
func (e *Engine) denialResult(audit decision.AuditRecord, denial *authz.Denial) *decision.Result {
	switch denial.Reason {
	case decision.ReasonDelegationAmbiguity:
		res := decision.NewRejection(decision.SchemaVersion, audit, denial.Reason,
			"Multiple delegations are tied at the top rank; name the one to act under.",
			"operator.delegations",
			"disambiguate_delegation",
		)
		res.Warnings = append(res.Warnings, denial.Candidates...)
		return res
	default:
		return decision.NewRejection(decision.SchemaVersion, audit, denial.Reason,
			fmt.Sprintf("Operator lacks required permissions: %s.", strings.Join(denial.Missing, ", ")),
			"operator.permissions",
			"request_delegation",
		)
	}
}

// malformed is the pre-claim rejection for requests that fail the schema
// gate. No audit identities exist yet, so the record carries only the event.
func (e *Engine) malformed(toast string) *decision.Result {
	audit := decision.AuditRecord{
		EventID:   uuid.NewString(),
		Timestamp: e.now().UTC().Format(time.RFC3339),
		Evidence: decision.AuditEvidence{
			SystemPromptVersion: e.promptVersion,
			PermissionCheck:     decision.PermissionCheck{Method: decision.PermissionDenied, Required: []string{}},
		},
	}
	return decision.NewRejection(decision.SchemaVersion, audit,
		decision.ReasonMalformedRequest, toast, "request", "fix_request_shape")
}

// auditBase seeds the audit record shared by every outcome of one
// evaluation. A fresh event id is minted per computed decision; replays
// return the stored record untouched.
func (e *Engine) auditBase(req *decision.Request) decision.AuditRecord {
	trigger := ""
	if req.Action.Trigger != nil {
		trigger = req.Action.Trigger.Type
	}
	return decision.AuditRecord{
		EventID:        uuid.NewString(),
		WorkspaceID:    req.Workspace.ID,
		OperatorID:     req.Operator.ID,
		MunicipalityID: req.Municipality.ID,
		Timestamp:      e.now().UTC().Format(time.RFC3339),
		Trigger:        trigger,
		Intent:         req.Action.Intent,
		Rationale:      req.Action.Rationale(),
		Evidence: decision.AuditEvidence{
			Mode:                req.Action.Mode,
			SystemPromptVersion: e.promptVersion,
			PermissionCheck:     decision.PermissionCheck{Method: decision.PermissionDenied, Required: []string{}},
		},
	}
}

// export ships the decided result to the archive. Best effort: failures are
// logged and never affect the decision.
func (e *Engine) export(ctx context.Context, requestID string, out *outcome) {
	if e.exporter == nil {
		return
	}
	raw, err := json.Marshal(out.result)
	if err != nil {
		e.log.Warn("archive export marshal failed", "request_id", requestID, "error", err)
		return
	}
	rec := archive.Record{
		RequestID:   requestID,
		WorkspaceID: out.result.AuditRecord.WorkspaceID,
		EventID:     out.result.AuditRecord.EventID,
		Route:       out.route,
		FileStem:    out.stem,
		Result:      raw,
	}
	if _, err := e.exporter.Export(ctx, rec); err != nil {
		e.log.Warn("archive export failed", "request_id", requestID, "error", err)
	}
}

// connectorEvidence lists the distinct connectors a plan touches, sorted.
func connectorEvidence(steps []decision.PlanStep) []string {
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		seen[s.Connector] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// deriveRequestID keys unkeyed submissions off their payload hash so
// identical retries coalesce deterministically.
func deriveRequestID(payloadHash string) string {
	hex := strings.TrimPrefix(payloadHash, "sha256:")
	if len(hex) > 16 {
		hex = hex[:16]
	}
	return "auto-" + hex
}

func pluralPlan(n int) string {
	if n == 1 {
		return "plan"
	}
	return "plans"
}
