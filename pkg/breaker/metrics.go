package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bulwark",
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	stateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulwark",
			Subsystem: "circuit_breaker",
			Name:      "state_changes_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	rejectedCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulwark",
			Subsystem: "circuit_breaker",
			Name:      "rejected_total",
			Help:      "Total number of calls rejected by an open circuit",
		},
		[]string{"name"},
	)
)

// RecordState sets the state gauge for a breaker.
func RecordState(name string, state State) {
	stateGauge.WithLabelValues(name).Set(float64(state))
}

// RecordStateChange counts a transition.
func RecordStateChange(name string, from, to State) {
	stateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
}

// RecordRejected counts a call rejected without being executed.
func RecordRejected(name string) {
	rejectedCalls.WithLabelValues(name).Inc()
}
