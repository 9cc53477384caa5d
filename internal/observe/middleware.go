package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// streamPath is the WebSocket streaming endpoint. Unlike every other route on
// the mux, a request to streamPath doesn't complete when the handler
// returns a response — net/http's Hijack takes the connection and the
// "request" runs for as long as the caller keeps streaming audio, which can
// be minutes. That breaks two assumptions the rest of this middleware makes
// for ordinary requests: HTTPRequestDuration's bucket boundaries top out at
// 1s (tuned for /healthz, /readyz, /metrics, not a live connection), and the
// final response status code is never written through statusRecorder since
// the upgrade handshake writes its own status line directly onto the
// hijacked connection.
const streamPath = "/v1/stream"

// Middleware returns an [http.Handler] that:
//
//  1. Extracts W3C Trace Context from incoming request headers (or starts a
//     new trace).
//  2. Starts an OTel span for the request.
//  3. Sets the X-Correlation-ID response header from the trace ID.
//  4. For ordinary (bounded) requests, records request duration to
//     [Metrics.HTTPRequestDuration] and logs completion with a status code.
//     For streamPath, skips the duration histogram (its buckets don't fit a
//     connection-lifetime span) and logs connection teardown instead, using
//     connection_duration rather than duration so the two aren't confused in
//     log queries.
//  5. Ends the span on completion. Ordinary requests also get a status code
//     attribute (200 when the handler wrote none through the recorder);
//     streamPath spans carry no status code.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			isStream := r.URL.Path == streamPath

			// 1. Extract W3C trace context from incoming headers.
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			// 2. Start a span for this request.
			spanName := "HTTP " + r.Method + " " + r.URL.Path
			if isStream {
				spanName = "stream connection " + r.URL.Path
			}
			ctx, span := StartSpan(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			// 3. Set correlation ID from trace ID.
			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}

			// Inject trace context into response headers for downstream.
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)

			// Wrap the writer to capture the status code, when one is
			// written through it at all.
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			// Serve the request. For streamPath this blocks until the
			// connection closes.
			next.ServeHTTP(rec, r)

			duration := time.Since(start)

			if isStream {
				slog.LogAttrs(ctx, slog.LevelInfo, "stream connection closed",
					slog.String("trace_id", cid),
					slog.String("path", r.URL.Path),
					slog.Duration("connection_duration", duration),
				)
				return
			}

			// 4. Record duration for bounded requests only.
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				),
			)

			// Set span status attributes.
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			// 5. Log completion.
			slog.LogAttrs(ctx, slog.LevelInfo, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
