// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, distributed tracing, trace-aware logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/MrWong99/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Detection ---

	// FramesProcessed counts frames fed to VAD sessions.
	FramesProcessed metric.Int64Counter

	// VADEvents counts emitted transitions. Use with attribute:
	//   attribute.String("type", "START"|"STOP")
	VADEvents metric.Int64Counter

	// SegmentDuration tracks the length of completed speech segments.
	SegmentDuration metric.Float64Histogram

	// SegmentsDiscarded counts segments dropped for being too small.
	SegmentsDiscarded metric.Int64Counter

	// --- Streams ---

	// ActiveStreams tracks the number of open audio streams.
	ActiveStreams metric.Int64UpDownCounter

	// StreamsRejected counts streams refused at admission. Use with attribute:
	//   attribute.String("reason", ...)
	StreamsRejected metric.Int64Counter

	// --- Delivery ---

	// SinkDeliveries counts event deliveries. Use with attributes:
	//   attribute.String("sink", ...), attribute.String("status", ...)
	SinkDeliveries metric.Int64Counter

	// SinkDuration tracks how long a single delivery takes.
	SinkDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// delivery latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// segmentBuckets defines histogram bucket boundaries (in seconds) for
// utterance lengths.
var segmentBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesProcessed, err = m.Int64Counter("voxgate.frames.processed",
		metric.WithDescription("Total audio frames analysed by VAD sessions."),
	); err != nil {
		return nil, err
	}
	if met.VADEvents, err = m.Int64Counter("voxgate.vad.events",
		metric.WithDescription("Total VAD transitions by type."),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("voxgate.segment.duration",
		metric.WithDescription("Length of completed speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDiscarded, err = m.Int64Counter("voxgate.segments.discarded",
		metric.WithDescription("Speech segments discarded for being below the minimum size."),
	); err != nil {
		return nil, err
	}

	if met.ActiveStreams, err = m.Int64UpDownCounter("voxgate.active_streams",
		metric.WithDescription("Number of open audio streams."),
	); err != nil {
		return nil, err
	}
	if met.StreamsRejected, err = m.Int64Counter("voxgate.streams.rejected",
		metric.WithDescription("Audio streams refused at admission by reason."),
	); err != nil {
		return nil, err
	}

	if met.SinkDeliveries, err = m.Int64Counter("voxgate.sink.deliveries",
		metric.WithDescription("Event deliveries by sink and status."),
	); err != nil {
		return nil, err
	}
	if met.SinkDuration, err = m.Float64Histogram("voxgate.sink.duration",
		metric.WithDescription("Latency of a single event delivery."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

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

// RecordVADEvent records one VAD transition of the given wire type.
func (m *Metrics) RecordVADEvent(ctx context.Context, eventType string) {
	m.VADEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordSegment records a finished speech segment of the given length. A
// discarded segment only increments [Metrics.SegmentsDiscarded].
func (m *Metrics) RecordSegment(ctx context.Context, seconds float64, discarded bool) {
	if discarded {
		m.SegmentsDiscarded.Add(ctx, 1)
		return
	}
	m.SegmentDuration.Record(ctx, seconds)
}

// RecordSinkDelivery records one delivery attempt with the standard
// attribute set.
func (m *Metrics) RecordSinkDelivery(ctx context.Context, sink, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.String("status", status),
	)
	m.SinkDeliveries.Add(ctx, 1, attrs)
	m.SinkDuration.Record(ctx, seconds, attrs)
}

// RecordStreamRejected records a refused stream.
func (m *Metrics) RecordStreamRejected(ctx context.Context, reason string) {
	m.StreamsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
