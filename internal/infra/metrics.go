// Prometheus metrics for the guard engine, served at /metrics.
//
//   guard_decisions_total{decision}        – conflict resolver verdicts
//   guard_actions_total{kind}              – fired guard actions
//   guard_verifications_total{outcome}     – verifier results (pass/soft/hard)
//   guard_breaker_trips_total              – circuit breaker trips
//   guard_open_positions                   – currently tracked open positions
//   guard_alerts_total{status}             – processed alerts by terminal status

package infra

import "github.com/prometheus/client_golang/prometheus"

var (
	MtxDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_decisions_total",
			Help: "Conflict resolver decisions taken",
		},
		[]string{"decision"},
	)

	MtxGuardActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_actions_total",
			Help: "Guard actions fired, by kind",
		},
		[]string{"kind"},
	)

	MtxVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_verifications_total",
			Help: "Post-open verification outcomes",
		},
		[]string{"outcome"},
	)

	MtxBreakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guard_breaker_trips_total",
			Help: "Platform-block circuit breaker trips",
		},
	)

	MtxOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guard_open_positions",
			Help: "Open positions tracked by the engine",
		},
	)

	MtxAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_alerts_total",
			Help: "Processed alerts by terminal status",
		},
		[]string{"status"},
	)
)

// RegisterMetrics registers all engine metrics on the given registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		MtxDecisions,
		MtxGuardActions,
		MtxVerifications,
		MtxBreakerTrips,
		MtxOpenPositions,
		MtxAlerts,
	)
}
