// Package observe provides application-wide observability primitives for
// wordwatch: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all wordwatch metrics.
const meterName = "github.com/MrWong99/wordwatch"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms ---

	// WindowDuration tracks how long the engine took for one transcription
	// window.
	WindowDuration metric.Float64Histogram

	// --- Counters ---

	// Windows counts processed windows. Use with attribute:
	//   attribute.String("outcome", ...)
	Windows metric.Int64Counter

	// AbandonedRecordings counts recordings dropped because they did not fit
	// the window or a reset discarded them.
	AbandonedRecordings metric.Int64Counter

	// Matches counts watch-list hits. Use with attributes:
	//   attribute.String("word", ...), attribute.String("method", ...)
	Matches metric.Int64Counter

	// FramesDropped counts audio frames a source discarded because the
	// consumer fell behind. Use with attribute:
	//   attribute.String("source", ...)
	FramesDropped metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts engine errors. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Observable gauges (see ObserveWorker) ---

	backlog    metric.Int64ObservableGauge
	timeBehind metric.Float64ObservableGauge
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Engine
// windows run from tens of milliseconds on a GPU to tens of seconds on a
// small CPU.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.WindowDuration, err = m.Float64Histogram("wordwatch.transcribe.window.duration",
		metric.WithDescription("Engine latency per transcription window."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Windows, err = m.Int64Counter("wordwatch.transcribe.windows",
		metric.WithDescription("Total transcription windows by outcome."),
	); err != nil {
		return nil, err
	}
	if met.AbandonedRecordings, err = m.Int64Counter("wordwatch.transcribe.abandoned",
		metric.WithDescription("Recordings dropped without being transcribed."),
	); err != nil {
		return nil, err
	}
	if met.Matches, err = m.Int64Counter("wordwatch.keyword.matches",
		metric.WithDescription("Watch-list matches by word and detection method."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("wordwatch.audio.frames_dropped",
		metric.WithDescription("Audio frames dropped by a source."),
	); err != nil {
		return nil, err
	}

	if met.ProviderErrors, err = m.Int64Counter("wordwatch.provider.errors",
		metric.WithDescription("Total engine errors by provider."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("wordwatch.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.backlog, err = m.Int64ObservableGauge("wordwatch.transcribe.backlog",
		metric.WithDescription("Recordings waiting for the transcription worker."),
	); err != nil {
		return nil, err
	}
	if met.timeBehind, err = m.Float64ObservableGauge("wordwatch.transcribe.time_behind",
		metric.WithDescription("How far transcription lags behind real time."),
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

// RecordWindow records one processed window: its outcome and, for windows
// that reached the engine, its latency.
func (m *Metrics) RecordWindow(ctx context.Context, outcome string, latency time.Duration) {
	m.Windows.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if latency > 0 {
		m.WindowDuration.Record(ctx, latency.Seconds())
	}
}

// RecordAbandoned adds n to the abandoned recordings counter.
func (m *Metrics) RecordAbandoned(ctx context.Context, n int) {
	if n > 0 {
		m.AbandonedRecordings.Add(ctx, int64(n))
	}
}

// RecordMatch records a watch-list hit.
func (m *Metrics) RecordMatch(ctx context.Context, word, method string) {
	m.Matches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("word", word),
			attribute.String("method", method),
		),
	)
}

// RecordFramesDropped records frames a source had to discard.
func (m *Metrics) RecordFramesDropped(ctx context.Context, source string, n int) {
	if n > 0 {
		m.FramesDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
	}
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// ObserveWorker registers callbacks that report a worker's backlog and lag
// on every collection. Unregister the returned registration when the worker
// is gone.
func (m *Metrics) ObserveWorker(backlog func() int, behind func() time.Duration) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.backlog, int64(backlog()))
		o.ObserveFloat64(m.timeBehind, behind().Seconds())
		return nil
	}, m.backlog, m.timeBehind)
}
