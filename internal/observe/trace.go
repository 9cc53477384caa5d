package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the streamasr tracer.
const tracerName = "github.com/voxstream/streamasr"

// Tracer returns the package-level [trace.Tracer] for streamasr. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// AddSpanEvent records an event on the span active in ctx, if any. A
// streamasr connection span lives for the whole stream, so per-chunk
// progress (decoded chunk N, flush started) is recorded as span events
// rather than child spans — one span per chunk on a multi-minute connection
// would dwarf the connection span itself.
func AddSpanEvent(ctx context.Context, name string, attrs ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, attrs...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx,
// used as the correlation identifier in logs and response headers. Returns
// the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
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
