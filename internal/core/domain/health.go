package domain

import "time"

// HealthLevel is an ordered classification of connection quality.
type HealthLevel string

const (
	HealthHealthy   HealthLevel = "healthy"
	HealthDegraded  HealthLevel = "degraded"
	HealthUnhealthy HealthLevel = "unhealthy"
	HealthCritical  HealthLevel = "critical"
)

// healthRank orders levels from best to worst.
var healthRank = map[HealthLevel]int{
	HealthHealthy:   0,
	HealthDegraded:  1,
	HealthUnhealthy: 2,
	HealthCritical:  3,
}

// Rank returns the ordinal position of the level (0 = healthy).
func (h HealthLevel) Rank() int {
	return healthRank[h]
}

// WorseThan reports whether h is a worse classification than other.
func (h HealthLevel) WorseThan(other HealthLevel) bool {
	return h.Rank() > other.Rank()
}

// HealthMetrics is an immutable snapshot of rolling connection-quality
// metrics owned by the health monitor.
type HealthMetrics struct {
	Latency           time.Duration `json:"latency"`
	ErrorRate         float64       `json:"error_rate"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastError         string        `json:"last_error,omitempty"`
	LastConnected     time.Time     `json:"last_connected,omitempty"`
	LastDisconnected  time.Time     `json:"last_disconnected,omitempty"`
	CurrentUptime     time.Duration `json:"current_uptime"`
}

// HealthStatus pairs a classification with the metrics that produced it.
type HealthStatus struct {
	Health  HealthLevel   `json:"health"`
	Score   float64       `json:"score"`
	Metrics HealthMetrics `json:"metrics"`
}
