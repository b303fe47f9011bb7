// Package observe provides application-wide observability primitives for
// corrigenda: OpenTelemetry metrics plus a Prometheus exporter bridge so the
// standard /metrics endpoint keeps working.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all corrigenda metrics.
const meterName = "github.com/scribelab/corrigenda"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// CorrectionDuration tracks end-to-end transcript correction latency.
	CorrectionDuration metric.Float64Histogram

	// MatchDuration tracks candidate matching latency per request.
	MatchDuration metric.Float64Histogram

	// EmbedDuration tracks embedding provider call latency.
	EmbedDuration metric.Float64Histogram

	// StoreQueryDuration tracks pattern store query latency.
	StoreQueryDuration metric.Float64Histogram

	// --- Counters ---

	// Decisions counts correction decisions. Use with attribute:
	//   attribute.String("state", ...)
	Decisions metric.Int64Counter

	// CacheLookups counts speaker cache lookups. Use with attribute:
	//   attribute.String("outcome", ...) (hit, miss, stale)
	CacheLookups metric.Int64Counter

	// FeedbackEvents counts processed feedback events. Use with attributes:
	//   attribute.String("verdict", ...), attribute.String("status", ...)
	FeedbackEvents metric.Int64Counter

	// PatternsDeactivated counts deactivations. Use with attribute:
	//   attribute.String("reason", ...) (feedback_floor, manual, consolidation)
	PatternsDeactivated metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// EmbedErrors counts embedding provider failures.
	EmbedErrors metric.Int64Counter

	// StoreErrors counts pattern store failures by operation. Use with
	// attribute:
	//   attribute.String("op", ...)
	StoreErrors metric.Int64Counter

	// --- Gauges ---

	// FeedbackQueueDepth tracks how many feedback events are waiting for a
	// worker.
	FeedbackQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for a
// correction pipeline that must finish well under its five second ceiling.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CorrectionDuration, err = m.Float64Histogram("corrigenda.correction.duration",
		metric.WithDescription("End-to-end latency of transcript correction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MatchDuration, err = m.Float64Histogram("corrigenda.match.duration",
		metric.WithDescription("Latency of candidate matching per request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("corrigenda.embed.duration",
		metric.WithDescription("Latency of embedding provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StoreQueryDuration, err = m.Float64Histogram("corrigenda.store.query.duration",
		metric.WithDescription("Latency of pattern store queries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Decisions, err = m.Int64Counter("corrigenda.correction.decisions",
		metric.WithDescription("Total correction decisions by state."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("corrigenda.cache.lookups",
		metric.WithDescription("Total speaker cache lookups by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FeedbackEvents, err = m.Int64Counter("corrigenda.feedback.events",
		metric.WithDescription("Total feedback events by verdict and processing status."),
	); err != nil {
		return nil, err
	}
	if met.PatternsDeactivated, err = m.Int64Counter("corrigenda.patterns.deactivated",
		metric.WithDescription("Total pattern deactivations by reason."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("corrigenda.breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.EmbedErrors, err = m.Int64Counter("corrigenda.embed.errors",
		metric.WithDescription("Total embedding provider failures."),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("corrigenda.store.errors",
		metric.WithDescription("Total pattern store failures by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.FeedbackQueueDepth, err = m.Int64UpDownCounter("corrigenda.feedback.queue.depth",
		metric.WithDescription("Feedback events waiting for a worker."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("corrigenda.http.request.duration",
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

// RecordDecision records a correction decision counter increment for the
// given outcome state.
func (m *Metrics) RecordDecision(ctx context.Context, state string) {
	m.Decisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordCacheLookup records a speaker cache lookup counter increment with the
// given outcome (hit, miss, stale).
func (m *Metrics) RecordCacheLookup(ctx context.Context, outcome string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordFeedbackEvent records a processed feedback event with its verdict and
// processing status.
func (m *Metrics) RecordFeedbackEvent(ctx context.Context, verdict, status string) {
	m.FeedbackEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("verdict", verdict),
			attribute.String("status", status),
		),
	)
}

// RecordDeactivation records a pattern deactivation counter increment with
// the given reason.
func (m *Metrics) RecordDeactivation(ctx context.Context, reason string) {
	m.PatternsDeactivated.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordStoreError records a pattern store failure counter increment for the
// given operation name.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("op", op)),
	)
}
