package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the analytics pipeline
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion metrics
	EventsIngestedTotal  *prometheus.CounterVec
	MetricsIngestedTotal *prometheus.CounterVec
	UsageIngestedTotal   *prometheus.CounterVec

	// Session metrics
	SessionsStartedTotal prometheus.Counter
	SessionsEndedTotal   prometheus.Counter

	// Store metrics
	StoreOperationDuration *prometheus.HistogramVec
	StoreErrorsTotal       *prometheus.CounterVec

	// Notifier metrics
	NotifierDeliveriesTotal prometheus.Counter
	NotifierDroppedTotal    prometheus.Counter
	NotifierSubscribers     prometheus.Gauge

	// Aggregation metrics
	RollupRunsTotal       *prometheus.CounterVec
	RollupDuration        prometheus.Histogram
	RetentionDeletedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		EventsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_events_ingested_total",
				Help: "Total number of user events ingested",
			},
			[]string{"event_type"},
		),
		MetricsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_performance_metrics_ingested_total",
				Help: "Total number of performance metrics ingested",
			},
			[]string{"metric_type"},
		),
		UsageIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_service_usage_ingested_total",
				Help: "Total number of service usage records ingested",
			},
			[]string{"service_name", "success"},
		),
		SessionsStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_sessions_started_total",
				Help: "Total number of sessions started",
			},
		),
		SessionsEndedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_sessions_ended_total",
				Help: "Total number of sessions ended (explicitly or force-closed)",
			},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_store_operation_duration_seconds",
				Help:    "Store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"store", "operation"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_store_errors_total",
				Help: "Total number of store operation errors",
			},
			[]string{"store", "operation"},
		),
		NotifierDeliveriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_notifier_deliveries_total",
				Help: "Total number of updates delivered to live subscribers",
			},
		),
		NotifierDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_notifier_dropped_total",
				Help: "Total number of updates dropped due to slow subscribers",
			},
		),
		NotifierSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulse_notifier_subscribers",
				Help: "Current number of live subscribers",
			},
		),
		RollupRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_rollup_runs_total",
				Help: "Total number of aggregation runs",
			},
			[]string{"granularity", "status"},
		),
		RollupDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pulse_rollup_duration_seconds",
				Help:    "Aggregation run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		RetentionDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_retention_deleted_rows_total",
				Help: "Total number of rows deleted by retention sweeps",
			},
			[]string{"table"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsIngestedTotal,
		m.MetricsIngestedTotal,
		m.UsageIngestedTotal,
		m.SessionsStartedTotal,
		m.SessionsEndedTotal,
		m.StoreOperationDuration,
		m.StoreErrorsTotal,
		m.NotifierDeliveriesTotal,
		m.NotifierDroppedTotal,
		m.NotifierSubscribers,
		m.RollupRunsTotal,
		m.RollupDuration,
		m.RetentionDeletedTotal,
	)

	return m
}

// Handler returns an HTTP handler that serves the metrics from the
// given registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request count and
// duration metrics.
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush implements http.Flusher so instrumented SSE handlers keep working.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
