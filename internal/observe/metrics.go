// Package observe provides observability primitives for voxpilot:
// OpenTelemetry metrics, tracing helpers, and HTTP middleware for the
// metrics/health server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed via
// a Prometheus exporter bridge set up in [InitProvider]. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to
// avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxpilot metrics.
const meterName = "github.com/voxpilot/voxpilot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// BatchQueryDuration tracks batch inference round-trip latency
	// (legacy and hybrid modes).
	BatchQueryDuration metric.Float64Histogram

	// SynthDuration tracks speech synthesis request latency.
	SynthDuration metric.Float64Histogram

	// ProbeDuration tracks backend health probe latency. Use with
	// attribute.String("backend", ...).
	ProbeDuration metric.Float64Histogram

	// --- Counters ---

	// CapturedFrames counts audio frames emitted by the capture pipeline.
	CapturedFrames metric.Int64Counter

	// SendFailures counts failed stream-send attempts. Use with
	// attribute.String("mode", ...).
	SendFailures metric.Int64Counter

	// ModeDowngrades counts automatic mode downgrades. Use with
	// attribute.String("from", ...), attribute.String("to", ...).
	ModeDowngrades metric.Int64Counter

	// Utterances counts completed conversation turns. Use with
	// attribute.String("mode", ...).
	Utterances metric.Int64Counter

	// BackendRestarts counts backend restart attempts. Use with
	// attribute.String("backend", ...).
	BackendRestarts metric.Int64Counter

	// --- Gauges ---

	// BackendsOnline tracks the number of backends currently reporting
	// healthy.
	BackendsOnline metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time on the
	// metrics/health server. Use with attribute.String("method", ...),
	// attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech round trips: probes land in the low buckets, batch synthesis in the
// high ones.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BatchQueryDuration, err = m.Float64Histogram("voxpilot.batch_query.duration",
		metric.WithDescription("Latency of batch inference round trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthDuration, err = m.Float64Histogram("voxpilot.synth.duration",
		metric.WithDescription("Latency of speech synthesis requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProbeDuration, err = m.Float64Histogram("voxpilot.probe.duration",
		metric.WithDescription("Latency of backend health probes by backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CapturedFrames, err = m.Int64Counter("voxpilot.capture.frames",
		metric.WithDescription("Total audio frames emitted by the capture pipeline."),
	); err != nil {
		return nil, err
	}
	if met.SendFailures, err = m.Int64Counter("voxpilot.stream.send_failures",
		metric.WithDescription("Total failed stream-send attempts by mode."),
	); err != nil {
		return nil, err
	}
	if met.ModeDowngrades, err = m.Int64Counter("voxpilot.mode.downgrades",
		metric.WithDescription("Total automatic mode downgrades by from and to mode."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("voxpilot.utterances",
		metric.WithDescription("Total completed conversation turns by mode."),
	); err != nil {
		return nil, err
	}
	if met.BackendRestarts, err = m.Int64Counter("voxpilot.backend.restarts",
		metric.WithDescription("Total backend restart attempts by backend."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.BackendsOnline, err = m.Int64UpDownCounter("voxpilot.backends.online",
		metric.WithDescription("Number of backends currently reporting healthy."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxpilot.http.request.duration",
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

// RecordSendFailure records one failed stream-send attempt for the given
// conversation mode.
func (m *Metrics) RecordSendFailure(ctx context.Context, mode string) {
	m.SendFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordDowngrade records an automatic mode downgrade.
func (m *Metrics) RecordDowngrade(ctx context.Context, from, to string) {
	m.ModeDowngrades.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordUtterance records one completed conversation turn for the given
// mode.
func (m *Metrics) RecordUtterance(ctx context.Context, mode string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordProbe records one health probe observation for a backend.
func (m *Metrics) RecordProbe(ctx context.Context, backend string, seconds float64) {
	m.ProbeDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("backend", backend)),
	)
}
