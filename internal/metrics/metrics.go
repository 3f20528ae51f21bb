package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal tracks successful gateway connections
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_connections_total",
			Help: "Total number of successful gateway connections",
		},
	)

	// ReconnectionsTotal tracks reconnection attempts by outcome
	ReconnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_reconnections_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"outcome"},
	)

	// ErrorsTotal tracks connection errors
	ErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_errors_total",
			Help: "Total number of connection errors",
		},
	)

	// EventsEmitted tracks published connection events by type
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_events_emitted_total",
			Help: "Total number of connection events emitted",
		},
		[]string{"type"},
	)

	// BreakerState exposes the circuit breaker state (0=closed, 1=open, 2=half_open)
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatekeeper_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
	)

	// BreakerRejectedTotal tracks calls rejected while the breaker is open
	BreakerRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_breaker_rejected_total",
			Help: "Total number of calls rejected by the circuit breaker",
		},
	)

	// HealthScore exposes the numeric health score (0 worst, 100 best)
	HealthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatekeeper_health_score",
			Help: "Current connection health score",
		},
	)

	// DegradationLevel exposes the active degradation level (0 = not degraded)
	DegradationLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatekeeper_degradation_level",
			Help: "Currently active degradation level",
		},
	)

	// GatewayLatency tracks gateway probe latency
	GatewayLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_gateway_latency_seconds",
			Help:    "Gateway probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
