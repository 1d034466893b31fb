package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxgate"

// Tracer returns the voxgate tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartStreamSpan starts the span that covers one audio stream. The span is
// a root of its own trace linked to the span in ctx (usually the upgrade
// request), so long-lived streams do not keep the request trace open.
func StartStreamSpan(ctx context.Context, streamID, format string) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{
		trace.WithNewRoot(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("stream.id", streamID),
			attribute.String("stream.format", format),
		),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: sc}))
	}
	return Tracer().Start(ctx, "vad.stream", opts...)
}

// AddVADEvent records a detector transition on span.
func AddVADEvent(span trace.Span, eventType string, frame int64, peak float64) {
	span.AddEvent("vad."+eventType, trace.WithAttributes(
		attribute.Int64("vad.frame", frame),
		attribute.Float64("vad.peak", peak),
	))
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id from ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// StreamLogger is [Logger] with the stream_id attribute set.
func StreamLogger(ctx context.Context, streamID string) *slog.Logger {
	return Logger(ctx).With(slog.String("stream_id", streamID))
}
