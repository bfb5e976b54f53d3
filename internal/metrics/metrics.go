// Package metrics exposes runner counters and gauges via Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collection of runner metrics. All of them live on a
// private registry so multiple runner instances in tests do not collide.
type Metrics struct {
	reg *prometheus.Registry

	TasksDispatched *prometheus.CounterVec
	TaskOutcomes    *prometheus.CounterVec
	RunningTasks    prometheus.Gauge
	TickDuration    prometheus.Histogram
	PollErrors      *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all runner metrics.
func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.TasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brain_runner_tasks_dispatched_total",
			Help: "Tasks handed to the supervisor",
		},
		[]string{"project"},
	)

	m.TaskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brain_runner_task_outcomes_total",
			Help: "Terminal task outcomes by status",
		},
		[]string{"project", "status"},
	)

	m.RunningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brain_runner_tasks_running",
			Help: "Agent processes currently running",
		},
	)

	m.TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "brain_runner_tick_duration_seconds",
			Help:    "Duration of one full poll-resolve-dispatch tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.PollErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brain_runner_poll_errors_total",
			Help: "Entry store poll failures by project",
		},
		[]string{"project"},
	)

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TasksDispatched,
		m.TaskOutcomes,
		m.RunningTasks,
		m.TickDuration,
		m.PollErrors,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// ObserveTick records one tick's wall time.
func (m *Metrics) ObserveTick(start time.Time) {
	m.TickDuration.Observe(time.Since(start).Seconds())
}

// RequestTrackingMiddleware records per-request counters and latencies.
func (m *Metrics) RequestTrackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, http.StatusText(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
