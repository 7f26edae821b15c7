// Package metrics provides Prometheus metrics for worker supervision and
// admission control.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker fleet health metrics, using the same flat naming convention as
// capacity.go (no Namespace/Subsystem split, "workercore_" prefix).

var (
	// WorkerComponentStatus is 1 for a component's current status, 0 for
	// every other status value it has ever reported (stale label
	// combinations are left at 0, never removed, to avoid cardinality
	// churn on the hot path).
	WorkerComponentStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "workercore_worker_component_status",
		Help: "1 if component_id currently reports status, 0 otherwise.",
	}, []string{"component_id", "status"})

	// WorkerStatusTransitionsTotal counts every status transition the
	// health monitor dispatches, by from/to pair.
	WorkerStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workercore_worker_status_transitions_total",
		Help: "Total number of worker component status transitions, by from/to.",
	}, []string{"from", "to"})

	// WorkerConsecutiveMisses is the per-component consecutive-miss gauge.
	// It is registered here, but no code in this module sets it.
	WorkerConsecutiveMisses = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "workercore_worker_consecutive_misses",
		Help: "Current consecutive health-frame misses, by component_id.",
	}, []string{"component_id"})

	// WorkerHealthHistoryWriteErrorsTotal counts failed best-effort
	// history-snapshot writes.
	WorkerHealthHistoryWriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workercore_worker_health_history_write_errors_total",
		Help: "Total number of failed worker_health_history snapshot writes.",
	})

	// WorkerRestartsTotal counts restart decisions by outcome
	// (restart/mark_failed).
	WorkerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workercore_worker_restarts_total",
		Help: "Total number of restart-policy decisions, by outcome.",
	}, []string{"outcome"})
)

// RecordStatusTransition updates the status gauge and transition counter
// for a single component transition.
func RecordStatusTransition(componentID, from, to string) {
	if from != "" {
		WorkerComponentStatus.WithLabelValues(componentID, from).Set(0)
	}
	WorkerComponentStatus.WithLabelValues(componentID, to).Set(1)
	WorkerStatusTransitionsTotal.WithLabelValues(from, to).Inc()
}
