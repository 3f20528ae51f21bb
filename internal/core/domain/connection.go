package domain

import "time"

// ConnectionState represents the lifecycle state of the gateway session.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateReconnecting  ConnectionState = "reconnecting"
	StateDisconnecting ConnectionState = "disconnecting"
)

// EventType identifies a connection lifecycle event.
type EventType string

const (
	EventStateChanged            EventType = "state_changed"
	EventHealthChanged           EventType = "health_changed"
	EventErrorOccurred           EventType = "error_occurred"
	EventCircuitBreakerTriggered EventType = "circuit_breaker_triggered"
	EventDegradationActivated    EventType = "degradation_activated"
	EventDegradationDeactivated  EventType = "degradation_deactivated"
	EventRecoveryAttempted       EventType = "recovery_attempted"
	EventRecoveryCompleted       EventType = "recovery_completed"
)

// EventTypes returns every event type, for subscribers that mirror the whole
// stream.
func EventTypes() []EventType {
	return []EventType{
		EventStateChanged,
		EventHealthChanged,
		EventErrorOccurred,
		EventCircuitBreakerTriggered,
		EventDegradationActivated,
		EventDegradationDeactivated,
		EventRecoveryAttempted,
		EventRecoveryCompleted,
	}
}

// ConnectionEvent is published on every observable change of the subsystem.
// Data carries event-specific details keyed by plain strings.
type ConnectionEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// ConnectionStatistics holds lifetime counters and derived ratios for the
// orchestrator. Exposed to readers strictly by value copy.
type ConnectionStatistics struct {
	TotalSessions          int64         `json:"total_sessions"`
	TotalConnections       int64         `json:"total_connections"`
	TotalDisconnections    int64         `json:"total_disconnections"`
	TotalReconnections     int64         `json:"total_reconnections"`
	TotalErrors            int64         `json:"total_errors"`
	AverageSessionDuration time.Duration `json:"average_session_duration"`
	ReliabilityPercent     float64       `json:"reliability_percent"`
	AvailabilityPercent    float64       `json:"availability_percent"`
}
