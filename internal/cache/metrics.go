package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "router",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"tier"},
	)

	missesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "router",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
	)

	evictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "router",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of memory tier evictions",
		},
	)

	memorySizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "router",
			Subsystem: "cache",
			Name:      "memory_size_bytes",
			Help:      "Current byte size of the memory tier",
		},
	)

	memoryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "router",
			Subsystem: "cache",
			Name:      "memory_entries",
			Help:      "Current number of entries in the memory tier",
		},
	)

	sweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "router",
			Subsystem: "cache",
			Name:      "swept_entries_total",
			Help:      "Total number of expired entries removed by sweeps",
		},
	)
)

func recordHit(tier string) {
	hitsTotal.WithLabelValues(tier).Inc()
}

func recordMiss() {
	missesTotal.Inc()
}

func recordSwept(n int) {
	if n > 0 {
		sweptTotal.Add(float64(n))
	}
}
