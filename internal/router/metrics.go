package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "router",
			Name:      "requests_total",
			Help:      "Total number of routed requests",
		},
		[]string{"outcome", "source"},
	)

	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "router",
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of routed requests",
			Buckets:   []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)

func recordRequest(err error, result *Result, elapsed time.Duration) {
	outcome := "success"
	source := "backend"
	if err != nil {
		outcome = "failure"
		source = "none"
	} else if result.CacheHit {
		source = "cache"
	}
	requestsTotal.WithLabelValues(outcome, source).Inc()
	requestDuration.Observe(elapsed.Seconds())
}
