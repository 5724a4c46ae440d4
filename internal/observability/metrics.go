package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	TaskExecutions    *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	TasksByStatus     *prometheus.GaugeVec
	SchedulerTicks    prometheus.Counter
	SchedulerErrors   prometheus.Counter
}

// NewMetrics registers the orchestrator instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		TaskExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noteops",
			Name:      "task_executions_total",
			Help:      "Task executions by outcome.",
		}, []string{"result"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "noteops",
			Name:      "task_execution_duration_seconds",
			Help:      "Wall-clock duration of task executions.",
			Buckets:   []float64{1, 5, 15, 60, 180, 600, 1800},
		}),
		TasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "noteops",
			Name:      "tasks",
			Help:      "Registered tasks by status.",
		}, []string{"status"}),
		SchedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noteops",
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler loop iterations.",
		}),
		SchedulerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noteops",
			Name:      "scheduler_errors_total",
			Help:      "Unexpected errors recovered by the scheduler loop.",
		}),
	}
	reg.MustRegister(m.TaskExecutions, m.ExecutionDuration, m.TasksByStatus,
		m.SchedulerTicks, m.SchedulerErrors)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetStatusCounts replaces the per-status task gauges.
func (m *Metrics) SetStatusCounts(counts map[string]int) {
	m.TasksByStatus.Reset()
	for status, n := range counts {
		m.TasksByStatus.WithLabelValues(status).Set(float64(n))
	}
}
