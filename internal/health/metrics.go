package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// circuitState shows the current circuit state per backend.
	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "router_backend_circuit_state",
			Help: "Current circuit state of the backend (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	// stateChangesTotal counts circuit state changes.
	stateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_backend_circuit_state_changes_total",
			Help: "Total number of circuit state changes",
		},
		[]string{"backend", "from", "to"},
	)

	// outcomesTotal counts reported dispatch and probe outcomes.
	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_backend_outcomes_total",
			Help: "Total number of outcomes reported to the health monitor",
		},
		[]string{"backend", "result"},
	)

	// probesTotal counts health probes.
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_backend_probes_total",
			Help: "Total number of health probes",
		},
		[]string{"backend", "result"},
	)
)

// recordState records the current circuit state of a backend.
func recordState(backend string, state State) {
	circuitState.WithLabelValues(backend).Set(float64(state))
}

// recordStateChange records a circuit state change.
func recordStateChange(backend string, from, to State) {
	stateChangesTotal.WithLabelValues(backend, from.String(), to.String()).Inc()
	recordState(backend, to)
}

// recordOutcome records a reported outcome.
func recordOutcome(backend string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	outcomesTotal.WithLabelValues(backend, result).Inc()
}

// recordProbe records a probe result.
func recordProbe(backend string, healthy bool) {
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	probesTotal.WithLabelValues(backend, result).Inc()
}
