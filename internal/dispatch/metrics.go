package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// attemptsTotal counts backend attempts by result.
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_dispatch_attempts_total",
			Help: "Total number of backend dispatch attempts",
		},
		[]string{"backend", "result"},
	)

	// attemptDuration observes per-attempt latency.
	attemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_dispatch_attempt_duration_seconds",
			Help:    "Duration of backend dispatch attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

// recordAttempt records one backend attempt.
func recordAttempt(backend, result string, elapsed time.Duration) {
	attemptsTotal.WithLabelValues(backend, result).Inc()
	attemptDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}
