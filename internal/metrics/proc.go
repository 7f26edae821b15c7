// Package metrics: subprocess termination counters for the Worker
// Supervisor's shutdown path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workercore_proc_terminate_total",
		Help: "Total process group termination attempts by signal and outcome.",
	}, []string{"sig", "outcome"}) // sig=SIGTERM|SIGKILL, outcome=sent|esrch|error

	procWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workercore_proc_wait_total",
		Help: "Total process wait outcomes after a termination attempt.",
	}, []string{"outcome"}) // outcome=exit0|exit_nonzero|forced_exit0|forced_error
)

// IncProcTerminate records a process group termination attempt.
func IncProcTerminate(sig, outcome string) {
	procTerminateTotal.WithLabelValues(sig, outcome).Inc()
}

// IncProcWait records a process wait outcome.
func IncProcWait(outcome string) {
	procWaitTotal.WithLabelValues(outcome).Inc()
}
