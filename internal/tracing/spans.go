package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const workerTracerName = "orchd-worker"

func workerTracer() trace.Tracer {
	return Tracer(workerTracerName)
}

// TraceWorkerSpawn creates a span for a worker spawn attempt.
func TraceWorkerSpawn(ctx context.Context, profileID, model, backend string) (context.Context, trace.Span) {
	ctx, span := workerTracer().Start(ctx, "worker.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("profile_id", profileID),
		attribute.String("model", model),
		attribute.String("backend", backend),
	)
	return ctx, span
}

// TraceWorkerReadiness creates a span for the post-spawn readiness probe.
func TraceWorkerReadiness(ctx context.Context, profileID string, port int) (context.Context, trace.Span) {
	ctx, span := workerTracer().Start(ctx, "worker.readiness",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("profile_id", profileID),
		attribute.Int("port", port),
	)
	return ctx, span
}

// TraceWorkerHealthCheck creates a span for a periodic health check.
func TraceWorkerHealthCheck(ctx context.Context, profileID string) (context.Context, trace.Span) {
	ctx, span := workerTracer().Start(ctx, "worker.health_check",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("profile_id", profileID))
	return ctx, span
}

// TracePromptDispatch creates a span for a prompt send to a worker session.
func TracePromptDispatch(ctx context.Context, taskID, profileID, model string) (context.Context, trace.Span) {
	ctx, span := workerTracer().Start(ctx, "task.prompt",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("profile_id", profileID),
		attribute.String("model", model),
	)
	return ctx, span
}

const bridgeTracerName = "orchd-bridge"

// TraceBridgeRequest creates a span for one worker callback into the bridge.
func TraceBridgeRequest(ctx context.Context, route, workerID string) (context.Context, trace.Span) {
	ctx, span := Tracer(bridgeTracerName).Start(ctx, "bridge."+route,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(attribute.String("worker_id", workerID))
	return ctx, span
}

// RecordResult records success or failure on a span.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
