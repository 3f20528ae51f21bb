// Package conn implements the connection orchestrator: the top-level
// coordinator that owns the gateway client handle and the canonical
// connection state, and wires the health monitor, circuit breaker, and
// degradation handler together through an internal event bus.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/gatekeeper/internal/breaker"
	"github.com/vietddude/gatekeeper/internal/core/domain"
	"github.com/vietddude/gatekeeper/internal/degrade"
	"github.com/vietddude/gatekeeper/internal/gateway"
	"github.com/vietddude/gatekeeper/internal/health"
	"github.com/vietddude/gatekeeper/internal/metrics"
)

// connectLabel is the fixed circuit breaker label for connect attempts.
const connectLabel = "gateway-connect"

var (
	errCleanedUp    = errors.New("orchestrator cleaned up")
	errStaleAttempt = errors.New("stale connect attempt")
)

// Options configures the orchestrator and its collaborators.
type Options struct {
	Credential        gateway.Credential
	AutoReconnect     bool
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	Health  health.Config
	Breaker breaker.Config
	Degrade degrade.Config

	// Clock defaults to the system clock; tests inject a fake.
	Clock Clock
}

// Status is a consistent cross-collaborator view.
type Status struct {
	State       domain.ConnectionState      `json:"state"`
	Health      domain.HealthStatus         `json:"health"`
	Breaker     breaker.Metrics             `json:"breaker"`
	Degradation degrade.Status              `json:"degradation"`
	Statistics  domain.ConnectionStatistics `json:"statistics"`
}

// StateSnapshot captures the orchestrator's own state fields.
type StateSnapshot struct {
	State               domain.ConnectionState `json:"state"`
	Epoch               uint64                 `json:"epoch"`
	ShuttingDown        bool                   `json:"shutting_down"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	SessionStart        time.Time              `json:"session_start,omitempty"`
	Strategies          []string               `json:"strategies"`
}

// Diagnostics is the extended observability surface.
type Diagnostics struct {
	Status             Status             `json:"status"`
	Health             health.Diagnostics `json:"health"`
	Degradation        degrade.Metrics    `json:"degradation_metrics"`
	AutoReconnect      bool               `json:"auto_reconnect"`
	NextReconnectDelay time.Duration      `json:"next_reconnect_delay"`
}

// ForceRecoveryOptions drives the administrative recovery escalation.
type ForceRecoveryOptions struct {
	Strategy          string
	MaxAttempts       int
	Delay             time.Duration
	BackoffMultiplier float64
	ForceReconnect    bool
}

// Orchestrator coordinates the gateway session lifecycle.
type Orchestrator struct {
	mu    sync.Mutex
	opts  Options
	log   *slog.Logger
	clock Clock

	client   gateway.Client
	monitor  *health.Monitor
	breaker  *breaker.Breaker
	degrader *degrade.Handler
	bus      *eventBus

	state      domain.ConnectionState
	stats      statsTracker
	strategies []RecoveryStrategy

	// epoch invalidates in-flight attempts across Stop/Cleanup so a late
	// resolution cannot flip state after shutdown.
	epoch               uint64
	shuttingDown        bool
	cleanedUp           bool
	recovering          bool
	consecutiveFailures int
	sessionStart        time.Time
}

// New wires the orchestrator with an injected gateway client.
func New(client gateway.Client, opts Options) *Orchestrator {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = time.Minute
	}
	clock := opts.Clock
	if clock == nil {
		clock = NewRealClock()
	}

	o := &Orchestrator{
		opts:     opts,
		log:      slog.Default(),
		clock:    clock,
		client:   client,
		monitor:  health.NewMonitor(opts.Health),
		breaker:  breaker.New(opts.Breaker),
		degrader: degrade.NewHandler(opts.Degrade),
		bus:      newEventBus(),
		state:    domain.StateDisconnected,
		stats:    newStatsTracker(clock.Now()),
	}

	o.monitor.SetEmitter(o.onCollaboratorEvent)
	o.monitor.SetProber(client)
	o.breaker.SetEmitter(o.onCollaboratorEvent)
	o.degrader.SetEmitter(o.onCollaboratorEvent)

	go o.pump()
	return o
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start begins a session. No-op with a warning unless currently disconnected.
// This is the only call that surfaces a connection error synchronously.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.cleanedUp {
		o.mu.Unlock()
		return errCleanedUp
	}
	if o.state != domain.StateDisconnected || o.shuttingDown {
		state := o.state
		o.mu.Unlock()
		o.log.Warn("Start ignored", "state", string(state))
		return nil
	}
	ev, _ := o.transitionLocked(domain.StateConnecting, "start")
	o.stats.totalSessions++
	o.sessionStart = o.clock.Now()
	epoch := o.epoch
	o.mu.Unlock()
	o.publish(ev)

	o.monitor.StartMonitoring()

	if err := o.breaker.Execute(ctx, connectLabel, func(ctx context.Context) error {
		return o.connect(ctx, epoch)
	}); err != nil {
		o.handleConnectionFailure(ctx, err, epoch)
		return fmt.Errorf("start failed: %w", err)
	}
	return nil
}

// Stop tears down the session. Best-effort: internal errors are logged,
// never surfaced as shutdown failures.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		o.log.Warn("Stop ignored, shutdown already in progress")
		return nil
	}
	if o.state == domain.StateDisconnected {
		o.mu.Unlock()
		o.log.Debug("Stop ignored, already disconnected")
		return nil
	}
	o.shuttingDown = true
	o.epoch++
	ev, _ := o.transitionLocked(domain.StateDisconnecting, "stop")
	o.mu.Unlock()
	o.publish(ev)

	o.degrader.DeactivateDegradation("shutdown")
	o.monitor.StopMonitoring()

	if err := o.client.Disconnect(ctx); err != nil {
		o.log.Warn("Gateway disconnect failed during stop", "error", err)
	}

	now := o.clock.Now()
	o.mu.Lock()
	o.stats.markDisconnected(now)
	o.stats.foldSession(o.sessionStart, now)
	o.sessionStart = time.Time{}
	o.stats.totalDisconnections++
	o.consecutiveFailures = 0
	ev, _ = o.transitionLocked(domain.StateDisconnected, "stopped")
	o.shuttingDown = false
	o.mu.Unlock()
	o.publish(ev)

	o.monitor.UpdateConnectionMetrics(time.Time{}, now, false)
	return nil
}

// Cleanup stops if running and tears down all collaborators. Terminal; the
// orchestrator is not reusable afterward.
func (o *Orchestrator) Cleanup() {
	if err := o.Stop(context.Background()); err != nil {
		o.log.Warn("Stop during cleanup failed", "error", err)
	}

	o.mu.Lock()
	o.cleanedUp = true
	o.epoch++
	o.strategies = nil
	o.mu.Unlock()

	o.monitor.Cleanup()
	o.degrader.Cleanup()
	o.breaker.Reset()
	o.bus.clear()

	if err := o.client.Close(); err != nil {
		o.log.Warn("Gateway client close failed during cleanup", "error", err)
	}
}

// =============================================================================
// Reconnection and recovery
// =============================================================================

// AttemptReconnection tries to re-establish the session. Returns true
// immediately when already connected; never returns an error.
func (o *Orchestrator) AttemptReconnection(ctx context.Context, reason string) bool {
	o.mu.Lock()
	if o.state == domain.StateConnected {
		o.mu.Unlock()
		return true
	}
	if o.cleanedUp || o.shuttingDown {
		o.mu.Unlock()
		return false
	}
	ev, _ := o.transitionLocked(domain.StateReconnecting, reason)
	epoch := o.epoch
	o.mu.Unlock()
	o.publish(ev)

	if err := o.breaker.Execute(ctx, connectLabel, func(ctx context.Context) error {
		return o.connect(ctx, epoch)
	}); err != nil {
		metrics.ReconnectionsTotal.WithLabelValues("failure").Inc()
		o.handleConnectionFailure(ctx, err, epoch)
		return false
	}

	metrics.ReconnectionsTotal.WithLabelValues("success").Inc()
	o.mu.Lock()
	o.stats.totalReconnections++
	o.mu.Unlock()
	return true
}

// ForceRecovery is the administrative escalation path. Catches everything
// internally and reports overall success.
func (o *Orchestrator) ForceRecovery(ctx context.Context, opts ForceRecoveryOptions) bool {
	o.mu.Lock()
	if o.cleanedUp {
		o.mu.Unlock()
		return false
	}
	o.mu.Unlock()

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.BackoffMultiplier <= 0 {
		opts.BackoffMultiplier = 2
	}

	if opts.ForceReconnect {
		o.breaker.Reset()
		o.degrader.DeactivateDegradation("force recovery")
	}

	o.publish(domain.ConnectionEvent{
		Type:      domain.EventRecoveryAttempted,
		Timestamp: o.clock.Now(),
		Data: map[string]any{
			"strategy":     opts.Strategy,
			"max_attempts": opts.MaxAttempts,
		},
	})

	// Backoff waits between attempts run on the orchestrator clock.
	attempts := 0
	success := false
	backoff := retry.WithMaxRetries(uint64(opts.MaxAttempts-1), recoverySchedule(opts.Delay, opts.BackoffMultiplier))
	for {
		attempts++
		if o.AttemptReconnection(ctx, "force recovery") {
			success = true
			break
		}
		wait, stop := backoff.Next()
		if stop {
			break
		}
		select {
		case <-o.clock.After(wait):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	o.publish(domain.ConnectionEvent{
		Type:      domain.EventRecoveryCompleted,
		Timestamp: o.clock.Now(),
		Data: map[string]any{
			"strategy": opts.Strategy,
			"attempts": attempts,
			"success":  success,
		},
	})

	o.log.Info("Force recovery finished", "attempts", attempts, "success", success)
	return success
}

// recoverySchedule yields delay * multiplier^(attempt-1) between attempts.
func recoverySchedule(delay time.Duration, multiplier float64) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d := time.Duration(float64(delay) * math.Pow(multiplier, float64(attempt)))
		attempt++
		return d, false
	})
}

// AddRecoveryStrategy registers a strategy, keeping the chain sorted by
// descending priority (stable across equal priorities).
func (o *Orchestrator) AddRecoveryStrategy(s RecoveryStrategy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.strategies = append(o.strategies, s)
	sort.SliceStable(o.strategies, func(i, j int) bool {
		return o.strategies[i].Priority > o.strategies[j].Priority
	})
}

// RemoveRecoveryStrategy drops a strategy by name.
func (o *Orchestrator) RemoveRecoveryStrategy(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, s := range o.strategies {
		if s.Name == name {
			o.strategies = append(o.strategies[:i], o.strategies[i+1:]...)
			return true
		}
	}
	return false
}

// connect performs one login attempt and, on success, commits the connected
// state unless the attempt went stale during Stop/Cleanup.
func (o *Orchestrator) connect(ctx context.Context, epoch uint64) error {
	o.mu.Lock()
	cred := o.opts.Credential
	o.mu.Unlock()

	if err := o.client.Login(ctx, cred); err != nil {
		return err
	}

	now := o.clock.Now()
	o.mu.Lock()
	if epoch != o.epoch || o.shuttingDown || o.cleanedUp {
		o.mu.Unlock()
		o.log.Info("Connect attempt resolved after shutdown, discarding")
		if err := o.client.Disconnect(context.Background()); err != nil {
			o.log.Warn("Stale connection disconnect failed", "error", err)
		}
		return errStaleAttempt
	}
	ev, _ := o.transitionLocked(domain.StateConnected, "login succeeded")
	o.stats.totalConnections++
	o.stats.markConnected(now)
	o.consecutiveFailures = 0
	o.mu.Unlock()
	o.publish(ev)

	metrics.ConnectionsTotal.Inc()
	o.monitor.ResetConsecutiveErrors()
	o.monitor.UpdateConnectionMetrics(now, time.Time{}, true)
	return nil
}

// handleConnectionFailure is the single failure path for connect attempts:
// counts the error, walks the recovery chain, then schedules a backoff retry.
func (o *Orchestrator) handleConnectionFailure(ctx context.Context, err error, epoch uint64) {
	if errors.Is(err, errStaleAttempt) {
		return
	}

	o.mu.Lock()
	if epoch != o.epoch || o.cleanedUp {
		o.mu.Unlock()
		o.log.Debug("Ignoring failure from stale attempt", "error", err)
		return
	}
	o.stats.totalErrors++
	o.consecutiveFailures++
	failures := o.consecutiveFailures
	nested := o.recovering
	o.recovering = true
	strategies := append([]RecoveryStrategy(nil), o.strategies...)
	ev, _ := o.transitionLocked(domain.StateDisconnected, "connect attempt failed")
	autoReconnect := o.opts.AutoReconnect
	shuttingDown := o.shuttingDown
	o.mu.Unlock()
	o.publish(ev)

	o.monitor.RecordError(err)

	if !nested {
		defer func() {
			o.mu.Lock()
			o.recovering = false
			o.mu.Unlock()
		}()

		m := o.monitor.GetHealthStatus().Metrics
		for _, s := range strategies {
			if !s.Conditions(err, m) {
				continue
			}
			o.log.Info("Trying recovery strategy", "strategy", s.Name, "error", err)
			resolved, execErr := o.executeStrategy(ctx, s, err, m)
			if execErr != nil {
				o.log.Warn("Recovery strategy failed", "strategy", s.Name, "error", execErr)
				continue
			}
			if resolved {
				o.log.Info("Recovery strategy resolved failure", "strategy", s.Name)
				return
			}
		}
	}

	if autoReconnect && !shuttingDown {
		o.scheduleReconnect(o.backoffDelay(failures), epoch)
	}
}

// executeStrategy isolates a panicking strategy from the failure handler.
func (o *Orchestrator) executeStrategy(
	ctx context.Context,
	s RecoveryStrategy,
	cause error,
	m domain.HealthMetrics,
) (resolved bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			resolved = false
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	return s.Execute(ctx, cause, m)
}

// backoffDelay escalates with consecutive failed attempts and is capped at
// the configured maximum.
func (o *Orchestrator) backoffDelay(failures int) time.Duration {
	o.mu.Lock()
	base, max := o.opts.ReconnectDelay, o.opts.MaxReconnectDelay
	o.mu.Unlock()

	if failures < 1 {
		failures = 1
	}
	delay := float64(base) * math.Pow(2, float64(failures-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// scheduleReconnect arms a one-shot reconnect timer tied to the given epoch.
func (o *Orchestrator) scheduleReconnect(delay time.Duration, epoch uint64) {
	o.log.Info("Scheduling reconnection", "delay", delay)
	go func() {
		<-o.clock.After(delay)

		o.mu.Lock()
		stale := epoch != o.epoch || o.shuttingDown || o.cleanedUp
		o.mu.Unlock()
		if stale {
			o.log.Debug("Dropping stale scheduled reconnect")
			return
		}
		o.AttemptReconnection(context.Background(), "scheduled reconnect")
	}()
}

// =============================================================================
// Gateway event handling
// =============================================================================

// pump consumes the gateway event stream for the orchestrator's lifetime.
// The channel closes when the client is closed during Cleanup.
func (o *Orchestrator) pump() {
	for ev := range o.client.Events() {
		o.handleGatewayEvent(ev)
	}
}

func (o *Orchestrator) handleGatewayEvent(ev gateway.Event) {
	switch ev.Type {
	case gateway.EventReady:
		o.handleSessionUp("gateway ready", false)

	case gateway.EventResume:
		o.handleSessionUp("gateway resumed", true)

	case gateway.EventReconnecting:
		o.mu.Lock()
		if o.shuttingDown || o.cleanedUp {
			o.mu.Unlock()
			return
		}
		sev, _ := o.transitionLocked(domain.StateReconnecting, "gateway reconnecting")
		o.mu.Unlock()
		o.publish(sev)

	case gateway.EventDisconnect:
		o.handleUnexpectedDisconnect(ev.Err)

	case gateway.EventError:
		o.mu.Lock()
		if o.cleanedUp {
			o.mu.Unlock()
			return
		}
		o.stats.totalErrors++
		o.mu.Unlock()
		o.monitor.RecordError(ev.Err)
	}
}

func (o *Orchestrator) handleSessionUp(reason string, resumed bool) {
	now := o.clock.Now()
	o.mu.Lock()
	if o.shuttingDown || o.cleanedUp {
		o.mu.Unlock()
		return
	}
	ev, changed := o.transitionLocked(domain.StateConnected, reason)
	o.stats.markConnected(now)
	if resumed && changed {
		o.stats.totalReconnections++
	}
	o.consecutiveFailures = 0
	o.mu.Unlock()
	o.publish(ev)

	o.monitor.ResetConsecutiveErrors()
	o.monitor.UpdateConnectionMetrics(now, time.Time{}, true)
}

func (o *Orchestrator) handleUnexpectedDisconnect(cause error) {
	now := o.clock.Now()
	o.mu.Lock()
	if o.shuttingDown || o.cleanedUp || o.state == domain.StateDisconnected {
		o.mu.Unlock()
		return
	}
	ev, _ := o.transitionLocked(domain.StateDisconnected, "gateway disconnected")
	o.stats.totalDisconnections++
	o.stats.markDisconnected(now)
	o.stats.foldSession(o.sessionStart, now)
	o.sessionStart = time.Time{}
	if cause != nil {
		o.stats.totalErrors++
	}
	failures := o.consecutiveFailures
	autoReconnect := o.opts.AutoReconnect
	epoch := o.epoch
	o.mu.Unlock()
	o.publish(ev)

	o.monitor.UpdateConnectionMetrics(time.Time{}, now, false)
	if cause != nil {
		o.monitor.RecordError(cause)
	}

	if autoReconnect {
		o.scheduleReconnect(o.backoffDelay(failures), epoch)
	}
}

// onCollaboratorEvent republishes collaborator events and applies the
// coordination rules: collaborators never mutate each other directly.
func (o *Orchestrator) onCollaboratorEvent(ev domain.ConnectionEvent) {
	o.publish(ev)

	if ev.Type != domain.EventHealthChanged {
		return
	}

	status := o.monitor.GetHealthStatus()

	if status.Health == domain.HealthCritical {
		o.breaker.ForceState(breaker.StateOpen, "health critical")
	}

	decision := o.degrader.EvaluateDegradation(status.Metrics)
	switch {
	case decision.ShouldDegrade:
		o.degrader.ActivateDegradation(decision.Level, decision.Actions, decision.Reason)
	case status.Health == domain.HealthHealthy && o.degrader.IsCurrentlyDegraded():
		o.degrader.DeactivateDegradation("health recovered")
	}
}

// =============================================================================
// Observability
// =============================================================================

// AddEventListener subscribes a listener for one event type and returns its
// disposer. Disposers are safe to call more than once.
func (o *Orchestrator) AddEventListener(t domain.EventType, l Listener) func() {
	return o.bus.subscribe(t, l)
}

// GetStatus assembles a consistent view from the three collaborators.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	state := o.state
	stats := o.stats.snapshot(o.clock.Now())
	o.mu.Unlock()

	return Status{
		State:       state,
		Health:      o.monitor.GetHealthStatus(),
		Breaker:     o.breaker.GetMetrics(),
		Degradation: o.degrader.GetStatus(),
		Statistics:  stats,
	}
}

// GetStatistics returns a value copy of the connection statistics.
func (o *Orchestrator) GetStatistics() domain.ConnectionStatistics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats.snapshot(o.clock.Now())
}

// GetStateSnapshot returns the orchestrator's own state fields.
func (o *Orchestrator) GetStateSnapshot() StateSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.strategies))
	for _, s := range o.strategies {
		names = append(names, s.Name)
	}
	return StateSnapshot{
		State:               o.state,
		Epoch:               o.epoch,
		ShuttingDown:        o.shuttingDown,
		ConsecutiveFailures: o.consecutiveFailures,
		SessionStart:        o.sessionStart,
		Strategies:          names,
	}
}

// GetDiagnostics returns the extended observability snapshot.
func (o *Orchestrator) GetDiagnostics() Diagnostics {
	o.mu.Lock()
	failures := o.consecutiveFailures
	autoReconnect := o.opts.AutoReconnect
	o.mu.Unlock()

	return Diagnostics{
		Status:             o.GetStatus(),
		Health:             o.monitor.GetDiagnostics(),
		Degradation:        o.degrader.GetMetrics(),
		AutoReconnect:      autoReconnect,
		NextReconnectDelay: o.backoffDelay(failures + 1),
	}
}

// ResetStatistics zeroes the orchestrator's counters and delegates reset to
// each collaborator.
func (o *Orchestrator) ResetStatistics() {
	o.mu.Lock()
	o.stats.reset(o.clock.Now())
	o.mu.Unlock()

	o.monitor.ResetMetrics()
	o.breaker.Reset()
	o.degrader.ResetMetrics()
}

// ConfigUpdate carries a partial configuration change. Nil pointers and zero
// durations leave current values untouched.
type ConfigUpdate struct {
	AutoReconnect     *bool
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Health            *health.Config
	Degrade           *degrade.Config
}

// UpdateConfig applies a partial configuration change at runtime.
func (o *Orchestrator) UpdateConfig(u ConfigUpdate) {
	o.mu.Lock()
	if u.AutoReconnect != nil {
		o.opts.AutoReconnect = *u.AutoReconnect
	}
	if u.ReconnectDelay > 0 {
		o.opts.ReconnectDelay = u.ReconnectDelay
	}
	if u.MaxReconnectDelay > 0 {
		o.opts.MaxReconnectDelay = u.MaxReconnectDelay
	}
	o.mu.Unlock()

	if u.Health != nil {
		o.monitor.UpdateConfig(*u.Health)
	}
	if u.Degrade != nil {
		o.degrader.UpdateConfig(*u.Degrade)
	}
}

// SetCredential replaces the gateway credential used for future attempts.
func (o *Orchestrator) SetCredential(cred gateway.Credential) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opts.Credential = cred
}

// =============================================================================
// Internals
// =============================================================================

// transitionLocked is the sole mutator of the state field. Setting the same
// state is a no-op that emits nothing. Caller must hold the lock and publish
// the returned event after unlocking.
func (o *Orchestrator) transitionLocked(next domain.ConnectionState, reason string) (domain.ConnectionEvent, bool) {
	if o.state == next {
		return domain.ConnectionEvent{}, false
	}
	prev := o.state
	o.state = next
	o.log.Info("Connection state changed",
		"from", string(prev), "to", string(next), "reason", reason)
	return domain.ConnectionEvent{
		Type:      domain.EventStateChanged,
		Timestamp: o.clock.Now(),
		Data: map[string]any{
			"from":   string(prev),
			"to":     string(next),
			"reason": reason,
		},
	}, true
}

// publish forwards an event to the bus, dropping zero events from no-op
// transitions.
func (o *Orchestrator) publish(ev domain.ConnectionEvent) {
	if ev.Type == "" {
		return
	}
	o.bus.publish(ev)
}
