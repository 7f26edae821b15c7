package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapacityProbeDurationSeconds observes how long a leader-run capacity
	// probe took, by outcome (measured/conservative).
	CapacityProbeDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workercore_capacity_probe_duration_seconds",
		Help:    "Duration of leader-run capacity probes, by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// CapacityProbeConservativeTotal counts capacity estimates returned
	// as conservative fallbacks rather than measured values.
	CapacityProbeConservativeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workercore_capacity_probe_conservative_total",
		Help: "Total number of conservative (unmeasured) capacity estimates returned.",
	})

	// TierSelectedTotal counts execution-tier decisions by tier name.
	TierSelectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workercore_tier_selected_total",
		Help: "Total number of execution tier selections, by tier.",
	}, []string{"tier"})
)
