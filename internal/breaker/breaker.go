// Package breaker implements a generic circuit breaker used to gate calls
// into a failing dependency.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/gatekeeper/internal/core/domain"
	"github.com/vietddude/gatekeeper/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned when a call is rejected because the breaker is open
// or no half-open trial slot is available.
var ErrOpen = errors.New("circuit breaker open")

// Config defines breaker behavior.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	CooldownPeriod   time.Duration `yaml:"cooldown_period"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		CooldownPeriod:   30 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 2,
	}
}

// Metrics is a snapshot of breaker counters.
type Metrics struct {
	FailureCount    int       `json:"failure_count"`
	RejectedCalls   int64     `json:"rejected_calls"`
	LastStateChange time.Time `json:"last_state_change"`
	CurrentState    State     `json:"current_state"`
}

// Emitter publishes connection events on behalf of the breaker.
type Emitter func(domain.ConnectionEvent)

// Breaker is a three-state protective gate around async operations.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	state           State
	failures        int
	firstFailureAt  time.Time
	rejected        int64
	lastStateChange time.Time
	openedAt        time.Time
	tripNotified    bool

	halfOpenInFlight  int
	halfOpenSuccesses int

	emit Emitter
	now  func() time.Time
}

// New creates a closed breaker with the given config.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = DefaultConfig().CooldownPeriod
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultConfig().HalfOpenMaxCalls
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	b := &Breaker{
		cfg:             cfg,
		log:             slog.Default(),
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
	metrics.BreakerState.Set(stateValue(StateClosed))
	return b
}

// SetEmitter attaches an event emitter. Must be called before Execute.
func (b *Breaker) SetEmitter(emit Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emit = emit
}

// Execute runs op only while the breaker is closed or a half-open trial slot
// is available. While open it rejects immediately without invoking op.
func (b *Breaker) Execute(ctx context.Context, label string, op func(context.Context) error) error {
	if err := b.acquire(label); err != nil {
		return err
	}

	err := op(ctx)
	b.record(label, err)
	return err
}

// acquire checks whether a call may proceed and reserves a trial slot when
// half-open. It handles the timed open -> half-open transition.
func (b *Breaker) acquire(label string) error {
	b.mu.Lock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.CooldownPeriod {
		b.transition(StateHalfOpen, "cooldown elapsed")
	}

	switch b.state {
	case StateOpen:
		ev := b.rejectLocked(label)
		b.mu.Unlock()
		b.publish(ev)
		return fmt.Errorf("%w: %s", ErrOpen, label)

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			ev := b.rejectLocked(label)
			b.mu.Unlock()
			b.publish(ev)
			return fmt.Errorf("%w: %s (no trial slot)", ErrOpen, label)
		}
		b.halfOpenInFlight++
	}

	b.mu.Unlock()
	return nil
}

// record applies the outcome of an executed call.
func (b *Breaker) record(label string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.halfOpenInFlight--
		if err != nil {
			// Any trial failure reopens immediately and restarts the cooldown.
			b.transition(StateOpen, "half-open trial failed")
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transition(StateClosed, "trial successes reached threshold")
		}
		return
	}

	if err == nil {
		b.failures = 0
		return
	}

	now := b.now()
	if b.cfg.FailureWindow > 0 && !b.firstFailureAt.IsZero() &&
		now.Sub(b.firstFailureAt) > b.cfg.FailureWindow {
		b.failures = 0
	}
	if b.failures == 0 {
		b.firstFailureAt = now
	}
	b.failures++

	if b.state == StateClosed && b.failures >= b.cfg.FailureThreshold {
		b.transition(StateOpen, fmt.Sprintf("failure threshold reached (%d failures, label=%s)", b.failures, label))
	}
}

// rejectLocked increments rejection counters and returns the trigger event to
// publish, or a zero event if already notified for this opening.
func (b *Breaker) rejectLocked(label string) domain.ConnectionEvent {
	b.rejected++
	metrics.BreakerRejectedTotal.Inc()
	if b.tripNotified {
		return domain.ConnectionEvent{}
	}
	b.tripNotified = true
	return domain.ConnectionEvent{
		Type:      domain.EventCircuitBreakerTriggered,
		Timestamp: b.now(),
		Data: map[string]any{
			"label":          label,
			"state":          string(b.state),
			"rejected_calls": b.rejected,
		},
	}
}

func (b *Breaker) publish(ev domain.ConnectionEvent) {
	if ev.Type == "" || b.emit == nil {
		return
	}
	b.emit(ev)
}

// transition moves the breaker to a new state. Caller must hold the lock.
func (b *Breaker) transition(next State, reason string) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.lastStateChange = b.now()
	metrics.BreakerState.Set(stateValue(next))

	switch next {
	case StateOpen:
		b.openedAt = b.now()
		b.tripNotified = false
	case StateHalfOpen:
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.failures = 0
		b.firstFailureAt = time.Time{}
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
	}

	b.log.Info("Circuit breaker state changed",
		"from", string(prev), "to", string(next), "reason", reason)
}

// ForceState is an administrative override, used by the orchestrator when
// health turns critical.
func (b *Breaker) ForceState(state State, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log.Warn("Circuit breaker state forced", "state", string(state), "reason", reason)
	b.transition(state, "forced: "+reason)
}

// Reset returns the breaker to closed and zeroes all counters. Counters are
// cleared even when already closed, so sub-threshold failures do not survive
// a reset.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed, "reset")
	b.failures = 0
	b.firstFailureAt = time.Time{}
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
	b.rejected = 0
	b.tripNotified = false
}

// GetStatus returns the current state.
func (b *Breaker) GetStatus() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.CooldownPeriod {
		b.transition(StateHalfOpen, "cooldown elapsed")
	}
	return b.state
}

// GetMetrics returns a snapshot of breaker counters.
func (b *Breaker) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		FailureCount:    b.failures,
		RejectedCalls:   b.rejected,
		LastStateChange: b.lastStateChange,
		CurrentState:    b.state,
	}
}

func stateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}
