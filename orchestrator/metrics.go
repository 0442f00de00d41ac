package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	runs               *prometheus.CounterVec
	runDuration        prometheus.Histogram
	tasksObserved      *prometheus.CounterVec
	provisionConflicts *prometheus.CounterVec
	teardownFailures   *prometheus.CounterVec
	evaluationErrors   prometheus.Counter
	activeRuns         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchpilot",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Number of finished runs, by status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "batchpilot",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a run from provisioning to the end of teardown.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		tasksObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchpilot",
			Subsystem: "orchestrator",
			Name:      "tasks_observed_total",
			Help:      "Number of task observations returned to callers, by final state.",
		}, []string{"state"}),
		provisionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchpilot",
			Subsystem: "orchestrator",
			Name:      "provision_conflicts_total",
			Help:      "Number of create calls that found the resource already existing.",
		}, []string{"kind"}),
		teardownFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchpilot",
			Subsystem: "orchestrator",
			Name:      "teardown_failures_total",
			Help:      "Number of owned resources that could not be deleted.",
		}, []string{"kind"}),
		evaluationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "batchpilot",
			Subsystem: "orchestrator",
			Name:      "autoscale_evaluation_errors_total",
			Help:      "Number of autoscale formula evaluations that reported an error.",
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "batchpilot",
			Subsystem: "orchestrator",
			Name:      "active_runs",
			Help:      "Number of runs currently in progress.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.runs,
			m.runDuration,
			m.tasksObserved,
			m.provisionConflicts,
			m.teardownFailures,
			m.evaluationErrors,
			m.activeRuns,
		)
	}
	return m
}
