package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const transportTracerName = "tallr-transport"

func transportTracer() trace.Tracer {
	return Tracer(transportTracerName)
}

// TraceSession creates a long-lived span covering one wrapped agent session.
// The caller must call span.End() on session teardown.
func TraceSession(ctx context.Context, taskID, agent string) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "session", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("agent", agent),
	)
	return ctx, span
}

// TraceHTTPRequest starts a span for an outbound call from the wrapper to
// the Broker. Caller must call span.End() when the response is received.
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "http."+method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	return ctx, span
}

// TraceHTTPResponse records response attributes on the span.
func TraceHTTPResponse(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceStateTransition creates a single span marking a task state change.
func TraceStateTransition(ctx context.Context, taskID, from, to, source string) {
	_, span := transportTracer().Start(ctx, "state.transition", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("source", source),
	)
}
