package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-flow/pkg/domain"
)

// Metrics holds the Prometheus collectors exposed by the run API on /metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	stepsTotal  *prometheus.CounterVec
	lastRun     *prometheus.GaugeVec

	configReloads *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_runs_total",
				Help: "Total number of finished pipeline runs by final state",
			},
			[]string{"pipeline_id", "state", "branch"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flow_run_duration_seconds",
				Help:    "Pipeline run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 30, 60, 300, 900, 1800},
			},
			[]string{"pipeline_id"},
		),

		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_steps_total",
				Help: "Total number of pipeline steps by final step state",
			},
			[]string{"pipeline_id", "node_id", "state"},
		),

		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flow_last_run_timestamp_seconds",
				Help: "Unix time at which the last run of a pipeline finished",
			},
			[]string{"pipeline_id"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.stepsTotal,
		m.lastRun,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordRun records a finished run and the final state of each of its steps.
func (m *Metrics) RecordRun(record *domain.RunRecord) {
	if m == nil || record == nil {
		return
	}

	m.runsTotal.WithLabelValues(record.PipelineID, string(record.State), record.Branch).Inc()
	if !record.EndedAt.IsZero() {
		m.runDuration.WithLabelValues(record.PipelineID).Observe(record.EndedAt.Sub(record.StartedAt).Seconds())
		m.lastRun.WithLabelValues(record.PipelineID).Set(float64(record.EndedAt.Unix()))
	}
	for _, step := range record.Steps {
		m.stepsTotal.WithLabelValues(record.PipelineID, step.NodeID, string(step.State)).Inc()
	}
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// endpointName keeps label cardinality bounded: run IDs collapse into one label.
func endpointName(path string) string {
	switch {
	case path == "/healthz":
		return "healthz"
	case path == "/metrics":
		return "metrics"
	case path == "/runs":
		return "runs"
	case len(path) > len("/runs/") && path[:len("/runs/")] == "/runs/":
		return "run"
	default:
		return "unknown"
	}
}
