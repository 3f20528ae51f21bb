// Package degrade translates sustained poor health into a reduced-functionality
// operating mode without disconnecting.
package degrade

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/gatekeeper/internal/core/domain"
	"github.com/vietddude/gatekeeper/internal/metrics"
)

// LevelConfig is one rung of the degradation threshold ladder. A rung matches
// when any of its non-zero thresholds is met or exceeded.
type LevelConfig struct {
	Level             int           `yaml:"level"`
	ErrorRate         float64       `yaml:"error_rate"`
	ConsecutiveErrors int           `yaml:"consecutive_errors"`
	Latency           time.Duration `yaml:"latency"`
	Actions           []string      `yaml:"actions"`
}

// Config holds the degradation ladder, ordered by ascending severity.
type Config struct {
	Levels []LevelConfig `yaml:"levels"`
}

// Well-known degradation actions consumed by the rest of the application.
const (
	ActionReduceProbeRate    = "reduce_probe_rate"
	ActionDisableNonCritical = "disable_noncritical_features"
	ActionPauseOutbound      = "pause_outbound"
	ActionEssentialOnly      = "essential_only"
)

// DefaultConfig returns a three-level ladder.
func DefaultConfig() Config {
	return Config{
		Levels: []LevelConfig{
			{
				Level:             1,
				ErrorRate:         0.3,
				ConsecutiveErrors: 3,
				Latency:           2 * time.Second,
				Actions:           []string{ActionReduceProbeRate},
			},
			{
				Level:             2,
				ErrorRate:         0.5,
				ConsecutiveErrors: 5,
				Latency:           5 * time.Second,
				Actions:           []string{ActionReduceProbeRate, ActionDisableNonCritical},
			},
			{
				Level:             3,
				ErrorRate:         0.8,
				ConsecutiveErrors: 8,
				Latency:           10 * time.Second,
				Actions:           []string{ActionReduceProbeRate, ActionDisableNonCritical, ActionPauseOutbound, ActionEssentialOnly},
			},
		},
	}
}

// Decision is the outcome of evaluating metrics against the ladder.
type Decision struct {
	ShouldDegrade bool     `json:"should_degrade"`
	Level         int      `json:"level"`
	Actions       []string `json:"actions"`
	Reason        string   `json:"reason"`
}

// Status describes the currently active degradation, if any.
type Status struct {
	Active      bool      `json:"active"`
	Level       int       `json:"level"`
	Actions     []string  `json:"actions"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Metrics tracks degradation activity over the process lifetime.
type Metrics struct {
	TotalActivations   int64         `json:"total_activations"`
	TotalDeactivations int64         `json:"total_deactivations"`
	TotalEscalations   int64         `json:"total_escalations"`
	LastDuration       time.Duration `json:"last_duration"`
}

// Emitter publishes connection events on behalf of the handler.
type Emitter func(domain.ConnectionEvent)

// Handler owns degradation state and the activation protocol.
type Handler struct {
	mu     sync.Mutex
	cfg    Config
	log    *slog.Logger
	status Status
	stats  Metrics
	emit   Emitter
	now    func() time.Time
}

// NewHandler creates an inactive handler.
func NewHandler(cfg Config) *Handler {
	if len(cfg.Levels) == 0 {
		cfg = DefaultConfig()
	}
	return &Handler{
		cfg: cfg,
		log: slog.Default(),
		now: time.Now,
	}
}

// SetEmitter attaches an event emitter.
func (h *Handler) SetEmitter(emit Emitter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emit = emit
}

// EvaluateDegradation compares metrics against the ladder and returns the
// matching decision. Pure: no side effects on handler state.
func (h *Handler) EvaluateDegradation(m domain.HealthMetrics) Decision {
	h.mu.Lock()
	levels := h.cfg.Levels
	h.mu.Unlock()

	// Walk from the most severe rung down; the worst match wins.
	for i := len(levels) - 1; i >= 0; i-- {
		lvl := levels[i]
		if reason, ok := matches(lvl, m); ok {
			return Decision{
				ShouldDegrade: true,
				Level:         lvl.Level,
				Actions:       append([]string(nil), lvl.Actions...),
				Reason:        reason,
			}
		}
	}
	return Decision{}
}

func matches(lvl LevelConfig, m domain.HealthMetrics) (string, bool) {
	if lvl.ErrorRate > 0 && m.ErrorRate >= lvl.ErrorRate {
		return fmt.Sprintf("error rate %.2f >= %.2f", m.ErrorRate, lvl.ErrorRate), true
	}
	if lvl.ConsecutiveErrors > 0 && m.ConsecutiveErrors >= lvl.ConsecutiveErrors {
		return fmt.Sprintf("%d consecutive errors >= %d", m.ConsecutiveErrors, lvl.ConsecutiveErrors), true
	}
	if lvl.Latency > 0 && m.Latency >= lvl.Latency {
		return fmt.Sprintf("latency %s >= %s", m.Latency, lvl.Latency), true
	}
	return "", false
}

// ActivateDegradation applies a decision. Re-activating at the same or a
// lower level while already degraded is a no-op; a higher level escalates.
func (h *Handler) ActivateDegradation(level int, actions []string, reason string) {
	h.mu.Lock()

	if h.status.Active && level <= h.status.Level {
		h.mu.Unlock()
		return
	}

	escalated := h.status.Active
	if escalated {
		h.stats.TotalEscalations++
	} else {
		h.status.ActivatedAt = h.now()
	}
	h.stats.TotalActivations++
	h.status.Active = true
	h.status.Level = level
	h.status.Actions = append([]string(nil), actions...)
	h.status.Reason = reason
	metrics.DegradationLevel.Set(float64(level))

	ev := domain.ConnectionEvent{
		Type:      domain.EventDegradationActivated,
		Timestamp: h.now(),
		Data: map[string]any{
			"level":     level,
			"actions":   h.status.Actions,
			"reason":    reason,
			"escalated": escalated,
		},
	}
	emit := h.emit
	h.mu.Unlock()

	h.log.Warn("Degradation activated", "level", level, "reason", reason, "escalated", escalated)
	if emit != nil {
		emit(ev)
	}
}

// DeactivateDegradation clears active degradation. No-op when inactive.
func (h *Handler) DeactivateDegradation(reason string) {
	h.mu.Lock()

	if !h.status.Active {
		h.mu.Unlock()
		return
	}

	duration := h.now().Sub(h.status.ActivatedAt)
	if duration < 0 {
		duration = 0
	}
	level := h.status.Level
	h.status = Status{}
	h.stats.TotalDeactivations++
	h.stats.LastDuration = duration
	metrics.DegradationLevel.Set(0)

	ev := domain.ConnectionEvent{
		Type:      domain.EventDegradationDeactivated,
		Timestamp: h.now(),
		Data: map[string]any{
			"level":    level,
			"reason":   reason,
			"duration": duration.String(),
		},
	}
	emit := h.emit
	h.mu.Unlock()

	h.log.Info("Degradation deactivated", "level", level, "reason", reason, "duration", duration)
	if emit != nil {
		emit(ev)
	}
}

// IsCurrentlyDegraded reports whether degradation is active.
func (h *Handler) IsCurrentlyDegraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.Active
}

// GetStatus returns a copy of the current degradation status.
func (h *Handler) GetStatus() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.status
	st.Actions = append([]string(nil), h.status.Actions...)
	return st
}

// GetMetrics returns a snapshot of degradation counters.
func (h *Handler) GetMetrics() Metrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// ResetMetrics zeroes degradation counters.
func (h *Handler) ResetMetrics() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = Metrics{}
}

// UpdateConfig replaces the threshold ladder.
func (h *Handler) UpdateConfig(cfg Config) {
	if len(cfg.Levels) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
}

// Cleanup deactivates and detaches the emitter.
func (h *Handler) Cleanup() {
	h.DeactivateDegradation("cleanup")
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emit = nil
}
