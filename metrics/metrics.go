package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isdmx/runbox/sandbox"
)

// Metrics records execution telemetry. It implements sandbox.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	executionDuration  prometheus.Histogram
	activeExecutions   prometheus.Gauge
	memoryBytes        *prometheus.GaugeVec
	cpuSeconds         *prometheus.GaugeVec
}

// New creates the collector set on the given registry.
func New(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		executionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Name:      "executions_started_total",
			Help:      "Executions accepted by the engine.",
		}),
		executionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Name:      "executions_finished_total",
			Help:      "Executions finished, by terminal status.",
		}, []string{"status"}),
		executionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runbox",
			Name:      "execution_duration_seconds",
			Help:      "Wall time from request to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		activeExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "runbox",
			Name:      "active_executions",
			Help:      "Executions currently in flight.",
		}),
		memoryBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runbox",
			Name:      "execution_memory_bytes",
			Help:      "Last observed memory usage per execution.",
		}, []string{"execution_id"}),
		cpuSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runbox",
			Name:      "execution_cpu_seconds",
			Help:      "Last observed cumulative CPU time per execution.",
		}, []string{"execution_id"}),
	}
}

// ExecutionStarted counts a newly accepted execution.
func (m *Metrics) ExecutionStarted() {
	m.executionsStarted.Inc()
	m.activeExecutions.Inc()
}

// ExecutionFinished counts a terminal transition and observes its duration.
func (m *Metrics) ExecutionFinished(status sandbox.Status, duration time.Duration) {
	m.executionsFinished.WithLabelValues(string(status)).Inc()
	m.executionDuration.Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// ObserveUsage records the latest resource sample for an execution.
func (m *Metrics) ObserveUsage(executionID string, cpuNanos, memoryBytes uint64) {
	m.cpuSeconds.WithLabelValues(executionID).Set(float64(cpuNanos) / 1e9)
	m.memoryBytes.WithLabelValues(executionID).Set(float64(memoryBytes))
}

// ForgetExecution drops the per-execution series once the record is gone,
// keeping label cardinality bounded by the number of live executions.
func (m *Metrics) ForgetExecution(executionID string) {
	m.cpuSeconds.DeleteLabelValues(executionID)
	m.memoryBytes.DeleteLabelValues(executionID)
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
