// Package observability provides OpenTelemetry tracing and metrics for the
// decision engine, plus an in-process SLO tracker for pipeline stages.
//
// # Setup
//
// Initialize the provider at startup and shut it down on exit:
//
//	obs, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "mandate",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//		Enabled:      true,
//	})
//	defer obs.Shutdown(ctx)
//
// With Enabled false the provider stays inert: no exporters are created, all
// Record* calls are no-ops, and only the SLO tracker keeps measuring. Tests
// run with a disabled provider.
//
// # Instrumenting an evaluation
//
// Wrap each pipeline stage with TrackOperation and record the decision once
// it is reached:
//
//	ctx, done := obs.TrackOperation(ctx, observability.OpEvaluate,
//		observability.EvaluationAttrs(ws, reqID, intent)...)
//	res, err := evaluate(ctx, req)
//	done(err)
//	obs.RecordDecision(ctx, res.Status, res.Reason)
//
// # SLOs
//
// Stage latency and success objectives come from DefaultTargets. Burn rate
// and error budget are available per operation:
//
//	status, _ := obs.SLO().Status(observability.OpEvaluate)
package observability
