package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments shared by the engine, the worker
// manager and the HTTP surface. One instance per process, exposed through
// the telemetry ops server.
type Metrics struct {
	Registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	tasksSubmitted *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a metrics set on a fresh registry, with the standard Go and
// process collectors attached
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(registry)
}

// NewWithRegistry creates a metrics set on the given registry; tests pass a
// bare registry to avoid the default collectors
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "trellis_runs_started_total",
			Help: "Workflow runs picked up by the engine.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_runs_finished_total",
			Help: "Workflow runs reaching a terminal status.",
		}, []string{"status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trellis_run_duration_seconds",
			Help:    "Wall time of workflow runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"status"}),
		nodesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_nodes_executed_total",
			Help: "Node attempts by type and terminal status.",
		}, []string{"node_type", "status"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trellis_node_duration_seconds",
			Help:    "Wall time of node attempts.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"node_type"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trellis_active_runs",
			Help: "Runs currently in flight on this instance.",
		}),

		tasksSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_tasks_submitted_total",
			Help: "Tasks accepted by the broker.",
		}, []string{"queue", "name"}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_tasks_finished_total",
			Help: "Tasks reaching a terminal status.",
		}, []string{"queue", "status"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trellis_task_duration_seconds",
			Help:    "Handler wall time per queue.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"queue"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trellis_queue_depth",
			Help: "Queued tasks per queue.",
		}, []string{"queue"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_http_requests_total",
			Help: "HTTP requests by method, route and status class.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trellis_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// RunStarted counts an engine pickup and bumps the in-flight gauge
func (m *Metrics) RunStarted() {
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunFinished records a terminal run and its duration
func (m *Metrics) RunFinished(status string, duration time.Duration) {
	m.runsFinished.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// NodeExecuted records one node attempt
func (m *Metrics) NodeExecuted(nodeType, status string, duration time.Duration) {
	m.nodesExecuted.WithLabelValues(nodeType, status).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// TaskSubmitted counts a broker submission
func (m *Metrics) TaskSubmitted(queue, name string) {
	m.tasksSubmitted.WithLabelValues(queue, name).Inc()
}

// TaskFinished records a terminal task and its handler duration
func (m *Metrics) TaskFinished(queue, status string, duration time.Duration) {
	m.tasksFinished.WithLabelValues(queue, status).Inc()
	m.taskDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// SetQueueDepth reports the current depth of one queue
func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// HTTPRequest records one handled request
func (m *Metrics) HTTPRequest(method, route, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
