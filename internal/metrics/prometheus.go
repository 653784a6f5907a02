package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const namespace = "unreact"

// PrometheusSink implements Sink with the Prometheus client library.
// Registration errors are logged and never propagated.
type PrometheusSink struct {
	tasksStartedTotal *prometheus.CounterVec
	tasksStoppedTotal prometheus.Counter
	activeTasks       prometheus.Gauge

	firingsTotal    *prometheus.CounterVec
	firingDuration  prometheus.Histogram
	firingsSkipped  prometheus.Counter
	reconcileTotal  *prometheus.CounterVec
	commandOutcomes *prometheus.CounterVec

	logger *zap.Logger
}

// NewPrometheusSink creates a sink and registers its collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PrometheusSink{logger: logger.Named("metrics")}
	s.initTaskMetrics(reg)
	s.initFiringMetrics(reg)
	s.initCommandMetrics(reg)
	return s
}

func (s *PrometheusSink) initTaskMetrics(reg prometheus.Registerer) {
	s.tasksStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_started_total",
		Help:      "Total number of cleaning tasks started, by source.",
	}, []string{"source"})
	s.tasksStoppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_stopped_total",
		Help:      "Total number of cleaning tasks stopped.",
	})
	s.activeTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_tasks",
		Help:      "Number of cleaning tasks currently scheduled.",
	})
	s.reconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_records_total",
		Help:      "Records processed by boot reconciliation, by result.",
	}, []string{"result"})

	s.register(reg, s.tasksStartedTotal, "tasks_started_total")
	s.register(reg, s.tasksStoppedTotal, "tasks_stopped_total")
	s.register(reg, s.activeTasks, "active_tasks")
	s.register(reg, s.reconcileTotal, "reconcile_records_total")
}

func (s *PrometheusSink) initFiringMetrics(reg prometheus.Registerer) {
	s.firingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "firings_total",
		Help:      "Total number of clear-reactions firings, by result.",
	}, []string{"result"})
	s.firingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "firing_duration_seconds",
		Help:      "Latency of clear-reactions calls in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	s.firingsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "firings_skipped_total",
		Help:      "Firings skipped because the task circuit breaker was open.",
	})

	s.register(reg, s.firingsTotal, "firings_total")
	s.register(reg, s.firingDuration, "firing_duration_seconds")
	s.register(reg, s.firingsSkipped, "firings_skipped_total")
}

func (s *PrometheusSink) initCommandMetrics(reg prometheus.Registerer) {
	s.commandOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_outcomes_total",
		Help:      "Per-reference command outcomes.",
	}, []string{"command", "outcome"})

	s.register(reg, s.commandOutcomes, "command_outcomes_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("Failed to register collector", zap.String("metric", name), zap.Error(err))
	}
}

func (s *PrometheusSink) TaskStarted(source string) {
	s.tasksStartedTotal.WithLabelValues(source).Inc()
}

func (s *PrometheusSink) TasksStopped(count int) {
	if count > 0 {
		s.tasksStoppedTotal.Add(float64(count))
	}
}

func (s *PrometheusSink) ActiveTasks(count int) {
	s.activeTasks.Set(float64(count))
}

func (s *PrometheusSink) FiringCompleted(duration time.Duration, err error) {
	s.firingDuration.Observe(duration.Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	s.firingsTotal.WithLabelValues(result).Inc()
}

func (s *PrometheusSink) FiringSkipped() {
	s.firingsSkipped.Inc()
}

func (s *PrometheusSink) ReconcileCompleted(restored, pruned, failed int) {
	s.reconcileTotal.WithLabelValues("restored").Add(float64(restored))
	s.reconcileTotal.WithLabelValues("pruned").Add(float64(pruned))
	s.reconcileTotal.WithLabelValues("failed").Add(float64(failed))
}

func (s *PrometheusSink) CommandOutcome(command, outcome string) {
	s.commandOutcomes.WithLabelValues(command, outcome).Inc()
}
