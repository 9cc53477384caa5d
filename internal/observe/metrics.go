// Package observe provides application-wide observability primitives for
// streamasr: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all streamasr metrics.
const meterName = "github.com/voxstream/streamasr"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Batching/inference latency ---

	// BatchSize tracks how many streams were collected into each dispatched
	// inference batch.
	BatchSize metric.Int64Histogram

	// EncoderDuration tracks wall-clock time of each encoder forward pass.
	EncoderDuration metric.Float64Histogram

	// --- Counters ---

	// DecodingErrors counts decoder failures by decoding method.
	// Use with attribute: attribute.String("method", ...).
	DecodingErrors metric.Int64Counter

	// ConnectionsRejected counts connections rejected at admission because
	// MaxActiveConnections was reached.
	ConnectionsRejected metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of currently admitted connections.
	ActiveConnections metric.Int64UpDownCounter

	// QueueDepth tracks the scheduler's pending-chunk queue depth.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time (the
	// health/readiness endpoints; the WebSocket upgrade itself is tracked by
	// ActiveConnections/ConnectionsRejected instead). Use with attributes:
	// attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming-inference latencies — sub-chunk-length dispatches matter
// more here than the multi-second buckets a voice pipeline's LLM/TTS calls
// would need.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// batchSizeBuckets defines histogram bucket boundaries for BatchSize.
var batchSizeBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BatchSize, err = m.Int64Histogram("streamasr.batch.size",
		metric.WithDescription("Number of streams collected into each dispatched inference batch."),
		metric.WithExplicitBucketBoundaries(batchSizeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EncoderDuration, err = m.Float64Histogram("streamasr.encoder.duration",
		metric.WithDescription("Wall-clock time of each encoder forward pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.DecodingErrors, err = m.Int64Counter("streamasr.decoding.errors",
		metric.WithDescription("Total decoder failures by decoding method."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionsRejected, err = m.Int64Counter("streamasr.connections.rejected",
		metric.WithDescription("Total connections rejected at admission."),
	); err != nil {
		return nil, err
	}

	if met.ActiveConnections, err = m.Int64UpDownCounter("streamasr.active_connections",
		metric.WithDescription("Number of currently admitted connections."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("streamasr.queue_depth",
		metric.WithDescription("Number of chunks pending in the scheduler's queue."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("streamasr.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBatch records a dispatched batch's size and the encoder forward pass
// duration that produced it, in seconds.
func (m *Metrics) RecordBatch(ctx context.Context, size int, durationSeconds float64) {
	m.BatchSize.Record(ctx, int64(size))
	m.EncoderDuration.Record(ctx, durationSeconds)
}

// RecordDecodingError records a decoder failure for the given decoding method.
func (m *Metrics) RecordDecodingError(ctx context.Context, method string) {
	m.DecodingErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordConnectionRejected records a connection rejected at admission.
func (m *Metrics) RecordConnectionRejected(ctx context.Context) {
	m.ConnectionsRejected.Add(ctx, 1)
}
