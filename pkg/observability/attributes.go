// Package observability provides decision-engine instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for the decision pipeline.
var (
	// Request attributes
	AttrWorkspaceID = attribute.Key("mandate.workspace.id")
	AttrRequestID   = attribute.Key("mandate.request.id")
	AttrIntent      = attribute.Key("mandate.intent")
	AttrMode        = attribute.Key("mandate.mode")

	// Decision attributes
	AttrDecisionStatus  = attribute.Key("mandate.decision.status")
	AttrRejectionReason = attribute.Key("mandate.rejection.reason")
	AttrClaimState      = attribute.Key("mandate.claim.state")
	AttrReplayed        = attribute.Key("mandate.decision.replayed")

	// Plan attributes
	AttrConnector = attribute.Key("mandate.connector")
	AttrPlanSteps = attribute.Key("mandate.plan.steps")
	AttrPlanHash  = attribute.Key("mandate.plan.hash")
)

// EvaluationAttrs builds the base attribute set for one evaluation.
func EvaluationAttrs(workspaceID, requestID, intent string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWorkspaceID.String(workspaceID),
		AttrRequestID.String(requestID),
		AttrIntent.String(intent),
	}
}

// DecisionAttrs builds attributes describing a reached decision.
func DecisionAttrs(status, reason string, replayed bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrDecisionStatus.String(status),
		AttrReplayed.Bool(replayed),
	}
	if reason != "" {
		attrs = append(attrs, AttrRejectionReason.String(reason))
	}
	return attrs
}

// PlanAttrs builds attributes describing an assembled plan.
func PlanAttrs(mode string, steps int, planHash string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMode.String(mode),
		AttrPlanSteps.Int(steps),
		AttrPlanHash.String(planHash),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
