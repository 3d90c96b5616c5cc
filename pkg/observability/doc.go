// Package observability provides OpenTelemetry tracing and RED metrics for
// the settlement kernel.
//
// Initialize at startup:
//
//	provider, err := observability.New(ctx, observability.DefaultConfig())
//	defer provider.Shutdown(ctx)
//
// Start a span around a dispatched request:
//
//	ctx, span := provider.StartSpan(ctx, "orchestrator.CreateGate")
//	defer span.End()
//
// TrackOperation wraps a call with both a span and RED metrics in one step:
//
//	ctx, done := provider.TrackOperation(ctx, "CreateGate")
//	err := doWork(ctx)
//	done(err)
package observability
