// Package metrics exposes the runner's operational counters as
// label-carrying Prometheus instruments, so one named runner's stats
// can be told apart from another's.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "durableq_entry_transitions_total",
		Help: "Entries transitioned to a terminal or retry status, by runner and status.",
	}, []string{"runner", "status"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "durableq_run_duration_seconds",
		Help:    "Wall-clock duration of a single Runner.Run cycle.",
		Buckets: prometheus.DefBuckets,
	}, []string{"runner"})

	lockHeld = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "durableq_worker_lock_held",
		Help: "1 while a worker holds its runner's lock, 0 otherwise.",
	}, []string{"runner", "worker"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "durableq_queue_depth",
		Help: "Most recently observed count of pending entries, by runner.",
	}, []string{"runner"})
)

func init() {
	prometheus.MustRegister(transitions, runDuration, lockHeld, queueDepth)
}

// RecordTransition increments the counter for a runner moving an entry
// into status.
func RecordTransition(runner, status string) {
	transitions.WithLabelValues(runner, status).Inc()
}

// ObserveRunDuration records how long one Run cycle took.
func ObserveRunDuration(runner string, d time.Duration) {
	runDuration.WithLabelValues(runner).Observe(d.Seconds())
}

// SetLockHeld reports whether worker currently holds runner's lock.
func SetLockHeld(runner, worker string, held bool) {
	v := 0.0
	if held {
		v = 1.0
	}
	lockHeld.WithLabelValues(runner, worker).Set(v)
}

// SetQueueDepth records the last-seen pending count for a runner.
func SetQueueDepth(runner string, depth int) {
	queueDepth.WithLabelValues(runner).Set(float64(depth))
}
