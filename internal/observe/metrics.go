// Package observe provides application-wide observability primitives for
// emgstream: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all emgstream metrics.
const meterName = "github.com/BMEG-457/emgstream"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FrameDuration tracks per-frame processing time: decode plus all
	// pipeline branches.
	FrameDuration metric.Float64Histogram

	// CalibrationDuration tracks full calibration session length.
	CalibrationDuration metric.Float64Histogram

	// --- Counters ---

	// FramesDecoded counts successfully decoded device frames.
	FramesDecoded metric.Int64Counter

	// BytesReceived counts raw bytes read from the amplifier socket.
	BytesReceived metric.Int64Counter

	// MalformedFrames counts frames dropped because their byte count did
	// not decode into whole samples.
	MalformedFrames metric.Int64Counter

	// StageFailures counts pipeline branch failures that fell back to the
	// previous branch. Use with attribute:
	//   attribute.String("branch", ...)
	StageFailures metric.Int64Counter

	// UnexpectedTimeouts counts socket read timeouts observed while
	// streaming was expected to be live.
	UnexpectedTimeouts metric.Int64Counter

	// --- Gauges ---

	// ActiveCalibrations tracks in-flight calibration sessions.
	ActiveCalibrations metric.Int64UpDownCounter

	// EventSubscribers tracks the number of registered event-feed clients.
	EventSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for per-frame processing latencies at a 16 Hz frame cadence.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FrameDuration, err = m.Float64Histogram("emgstream.frame.duration",
		metric.WithDescription("Per-frame decode and pipeline processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CalibrationDuration, err = m.Float64Histogram("emgstream.calibration.duration",
		metric.WithDescription("Wall time of complete calibration sessions."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesDecoded, err = m.Int64Counter("emgstream.frames.decoded",
		metric.WithDescription("Total device frames decoded."),
	); err != nil {
		return nil, err
	}
	if met.BytesReceived, err = m.Int64Counter("emgstream.bytes.received",
		metric.WithDescription("Total raw bytes read from the amplifier socket."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.MalformedFrames, err = m.Int64Counter("emgstream.frames.malformed",
		metric.WithDescription("Frames dropped due to byte-count mismatch."),
	); err != nil {
		return nil, err
	}
	if met.StageFailures, err = m.Int64Counter("emgstream.stage.failures",
		metric.WithDescription("Pipeline branch failures that used the fallback chain, by branch."),
	); err != nil {
		return nil, err
	}
	if met.UnexpectedTimeouts, err = m.Int64Counter("emgstream.socket.unexpected_timeouts",
		metric.WithDescription("Socket read timeouts while streaming was expected."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalibrations, err = m.Int64UpDownCounter("emgstream.active_calibrations",
		metric.WithDescription("Number of in-flight calibration sessions."),
	); err != nil {
		return nil, err
	}
	if met.EventSubscribers, err = m.Int64UpDownCounter("emgstream.event_subscribers",
		metric.WithDescription("Number of registered event-feed subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("emgstream.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordStageFailure records a pipeline branch failure for the given branch
// name.
func (m *Metrics) RecordStageFailure(ctx context.Context, branch string) {
	m.StageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("branch", branch)))
}
