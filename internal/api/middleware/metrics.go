package middleware

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/scribelab/corrigenda/internal/observe"
)

// MetricsCollector feeds the runtime request/error counters shown on /stats
// and records per-route latency histograms.
type MetricsCollector struct {
	requestCount *atomic.Int64
	errorCount   *atomic.Int64
	metrics      *observe.Metrics
}

// NewMetricsCollector creates a collector. metrics may be nil, in which case
// only the runtime counters are kept.
func NewMetricsCollector(requestCount, errorCount *atomic.Int64, metrics *observe.Metrics) *MetricsCollector {
	return &MetricsCollector{
		requestCount: requestCount,
		errorCount:   errorCount,
		metrics:      metrics,
	}
}

// Middleware counts the request, captures the response status, and records
// request latency keyed by method and route pattern. The pattern is read
// after the handler runs, once chi has resolved it, so path parameters do
// not explode the metric cardinality.
func (mc *MetricsCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mc.requestCount.Add(1)
		start := time.Now()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		if rw.statusCode >= 400 {
			mc.errorCount.Add(1)
		}

		if mc.metrics == nil {
			return
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		mc.metrics.HTTPRequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", route),
				attribute.Int("status", rw.statusCode),
			),
		)
	})
}
