// Package health tracks rolling connection-quality metrics and derives an
// ordered health classification from them.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/gatekeeper/internal/core/domain"
	"github.com/vietddude/gatekeeper/internal/metrics"
)

// Config holds monitor thresholds and sampling behavior.
type Config struct {
	CheckInterval   time.Duration `yaml:"check_interval"`
	ErrorWindow     time.Duration `yaml:"error_window"`
	MaxRecentErrors int           `yaml:"max_recent_errors"`

	DegradedErrorRate  float64 `yaml:"degraded_error_rate"`
	UnhealthyErrorRate float64 `yaml:"unhealthy_error_rate"`
	CriticalErrorRate  float64 `yaml:"critical_error_rate"`

	// MinRateSamples is the minimum number of windowed samples before the
	// error-rate thresholds apply. Below it the rate is too coarse to mean
	// anything (a single error would read as 100%).
	MinRateSamples int `yaml:"min_rate_samples"`

	DegradedConsecutiveErrors  int `yaml:"degraded_consecutive_errors"`
	UnhealthyConsecutiveErrors int `yaml:"unhealthy_consecutive_errors"`
	CriticalConsecutiveErrors  int `yaml:"critical_consecutive_errors"`

	DegradedLatency time.Duration `yaml:"degraded_latency"`
	CriticalLatency time.Duration `yaml:"critical_latency"`
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:              15 * time.Second,
		ErrorWindow:                5 * time.Minute,
		MaxRecentErrors:            50,
		DegradedErrorRate:          0.1,
		UnhealthyErrorRate:         0.3,
		CriticalErrorRate:          0.6,
		MinRateSamples:             10,
		DegradedConsecutiveErrors:  3,
		UnhealthyConsecutiveErrors: 5,
		CriticalConsecutiveErrors:  10,
		DegradedLatency:            2 * time.Second,
		CriticalLatency:            10 * time.Second,
	}
}

// Prober measures gateway round-trip latency during sampling.
type Prober interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Emitter publishes connection events on behalf of the monitor.
type Emitter func(domain.ConnectionEvent)

type recordedError struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Diagnostics is an extended snapshot including recent errors.
type Diagnostics struct {
	Status       domain.HealthStatus `json:"status"`
	RecentErrors []recordedError     `json:"recent_errors"`
	Monitoring   bool                `json:"monitoring"`
	SampleCount  int                 `json:"sample_count"`
}

// Monitor is the single source of truth for connection-quality metrics.
type Monitor struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	connected        bool
	connectedSince   time.Time
	lastConnected    time.Time
	lastDisconnected time.Time

	recentLatencies []time.Duration
	recentErrors    []recordedError
	errorTimes      []time.Time
	sampleTimes     []time.Time
	consecutive     int
	lastError       string

	level domain.HealthLevel
	score float64

	emit    Emitter
	prober  Prober
	now     func() time.Time
	pending pendingEvent

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewMonitor creates a monitor classified healthy.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = def.ErrorWindow
	}
	if cfg.MaxRecentErrors <= 0 {
		cfg.MaxRecentErrors = def.MaxRecentErrors
	}
	if cfg.DegradedErrorRate <= 0 {
		cfg.DegradedErrorRate = def.DegradedErrorRate
	}
	if cfg.UnhealthyErrorRate <= 0 {
		cfg.UnhealthyErrorRate = def.UnhealthyErrorRate
	}
	if cfg.CriticalErrorRate <= 0 {
		cfg.CriticalErrorRate = def.CriticalErrorRate
	}
	if cfg.MinRateSamples <= 0 {
		cfg.MinRateSamples = def.MinRateSamples
	}
	if cfg.DegradedConsecutiveErrors <= 0 {
		cfg.DegradedConsecutiveErrors = def.DegradedConsecutiveErrors
	}
	if cfg.UnhealthyConsecutiveErrors <= 0 {
		cfg.UnhealthyConsecutiveErrors = def.UnhealthyConsecutiveErrors
	}
	if cfg.CriticalConsecutiveErrors <= 0 {
		cfg.CriticalConsecutiveErrors = def.CriticalConsecutiveErrors
	}
	if cfg.DegradedLatency <= 0 {
		cfg.DegradedLatency = def.DegradedLatency
	}
	if cfg.CriticalLatency <= 0 {
		cfg.CriticalLatency = def.CriticalLatency
	}
	return &Monitor{
		cfg:   cfg,
		log:   slog.Default(),
		level: domain.HealthHealthy,
		score: 100,
		now:   time.Now,
	}
}

// SetEmitter attaches an event emitter.
func (m *Monitor) SetEmitter(emit Emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emit = emit
}

// SetProber attaches a latency prober used by the sampling loop.
func (m *Monitor) SetProber(p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prober = p
}

// StartMonitoring starts the internal sampling loop. Idempotent.
func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	if m.loopCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	m.loopDone = make(chan struct{})
	interval := m.cfg.CheckInterval
	done := m.loopDone
	m.mu.Unlock()

	go m.run(ctx, interval, done)
	m.log.Debug("Health monitoring started", "interval", interval)
}

// StopMonitoring stops the sampling loop. Idempotent.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	cancel := m.loopCancel
	done := m.loopDone
	m.loopCancel = nil
	m.loopDone = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.log.Debug("Health monitoring stopped")
}

func (m *Monitor) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// sample performs one probe-and-reclassify cycle.
func (m *Monitor) sample(ctx context.Context) {
	m.mu.Lock()
	prober := m.prober
	connected := m.connected
	m.mu.Unlock()

	if prober != nil && connected {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		latency, err := prober.Ping(probeCtx)
		cancel()
		if err != nil {
			m.RecordError(err)
		} else {
			m.RecordLatency(latency)
		}
		return
	}

	// No probe this cycle. Age out expired window entries so a stale error
	// rate cannot pin the classification, then reclassify.
	m.mu.Lock()
	m.pruneWindowLocked()
	m.reclassifyLocked()
	ev, emit := m.pendingEventLocked()
	m.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

// UpdateConnectionMetrics merges connection timestamps into the metrics.
// Zero-valued fields are left untouched.
func (m *Monitor) UpdateConnectionMetrics(lastConnected, lastDisconnected time.Time, connected bool) {
	m.mu.Lock()
	if !lastConnected.IsZero() {
		m.lastConnected = lastConnected
	}
	if !lastDisconnected.IsZero() {
		m.lastDisconnected = lastDisconnected
	}
	if connected && !m.connected {
		m.connectedSince = m.now()
	}
	m.connected = connected
	m.reclassifyLocked()
	ev, emit := m.pendingEventLocked()
	m.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

// RecordLatency records a successful latency sample.
func (m *Monitor) RecordLatency(latency time.Duration) {
	metrics.GatewayLatency.Observe(latency.Seconds())

	m.mu.Lock()
	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > 100 {
		m.recentLatencies = m.recentLatencies[1:]
	}
	m.sampleTimes = append(m.sampleTimes, m.now())
	m.pruneWindowLocked()
	m.reclassifyLocked()
	ev, emit := m.pendingEventLocked()
	m.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

// RecordError appends to the bounded recent-errors buffer, bumps the
// consecutive counter, recomputes the windowed error rate, and emits
// ERROR_OCCURRED plus HEALTH_CHANGED when the classification moves.
func (m *Monitor) RecordError(err error) {
	if err == nil {
		return
	}
	metrics.ErrorsTotal.Inc()

	m.mu.Lock()
	now := m.now()
	m.recentErrors = append(m.recentErrors, recordedError{At: now, Message: err.Error()})
	if len(m.recentErrors) > m.cfg.MaxRecentErrors {
		m.recentErrors = m.recentErrors[1:]
	}
	m.errorTimes = append(m.errorTimes, now)
	m.sampleTimes = append(m.sampleTimes, now)
	m.consecutive++
	m.lastError = err.Error()
	m.pruneWindowLocked()
	m.reclassifyLocked()

	errEv := domain.ConnectionEvent{
		Type:      domain.EventErrorOccurred,
		Timestamp: now,
		Data: map[string]any{
			"error":              err.Error(),
			"consecutive_errors": m.consecutive,
			"error_rate":         m.errorRateLocked(),
		},
	}
	emitter := m.emit
	healthEv, healthEmit := m.pendingEventLocked()
	m.mu.Unlock()

	if emitter != nil {
		emitter(errEv)
	}
	if healthEmit != nil {
		healthEmit(healthEv)
	}
}

// ResetConsecutiveErrors clears the consecutive counter, called on a
// successful resume.
func (m *Monitor) ResetConsecutiveErrors() {
	m.mu.Lock()
	m.consecutive = 0
	m.reclassifyLocked()
	ev, emit := m.pendingEventLocked()
	m.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

// GetHealthStatus returns the current classification and a metrics snapshot.
func (m *Monitor) GetHealthStatus() domain.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.HealthStatus{
		Health:  m.level,
		Score:   m.score,
		Metrics: m.metricsLocked(),
	}
}

// GetDiagnostics returns an extended snapshot with recent errors.
func (m *Monitor) GetDiagnostics() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Diagnostics{
		Status: domain.HealthStatus{
			Health:  m.level,
			Score:   m.score,
			Metrics: m.metricsLocked(),
		},
		RecentErrors: append([]recordedError(nil), m.recentErrors...),
		Monitoring:   m.loopCancel != nil,
		SampleCount:  len(m.sampleTimes),
	}
}

// ResetMetrics clears all rolling metrics and returns to healthy.
func (m *Monitor) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentLatencies = nil
	m.recentErrors = nil
	m.errorTimes = nil
	m.sampleTimes = nil
	m.consecutive = 0
	m.lastError = ""
	m.level = domain.HealthHealthy
	m.score = 100
	metrics.HealthScore.Set(100)
}

// UpdateConfig replaces monitor thresholds. Zero fields keep current values.
func (m *Monitor) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.CheckInterval > 0 {
		m.cfg.CheckInterval = cfg.CheckInterval
	}
	if cfg.ErrorWindow > 0 {
		m.cfg.ErrorWindow = cfg.ErrorWindow
	}
	if cfg.MaxRecentErrors > 0 {
		m.cfg.MaxRecentErrors = cfg.MaxRecentErrors
	}
	if cfg.DegradedErrorRate > 0 {
		m.cfg.DegradedErrorRate = cfg.DegradedErrorRate
	}
	if cfg.UnhealthyErrorRate > 0 {
		m.cfg.UnhealthyErrorRate = cfg.UnhealthyErrorRate
	}
	if cfg.CriticalErrorRate > 0 {
		m.cfg.CriticalErrorRate = cfg.CriticalErrorRate
	}
	if cfg.MinRateSamples > 0 {
		m.cfg.MinRateSamples = cfg.MinRateSamples
	}
	if cfg.DegradedConsecutiveErrors > 0 {
		m.cfg.DegradedConsecutiveErrors = cfg.DegradedConsecutiveErrors
	}
	if cfg.UnhealthyConsecutiveErrors > 0 {
		m.cfg.UnhealthyConsecutiveErrors = cfg.UnhealthyConsecutiveErrors
	}
	if cfg.CriticalConsecutiveErrors > 0 {
		m.cfg.CriticalConsecutiveErrors = cfg.CriticalConsecutiveErrors
	}
	if cfg.DegradedLatency > 0 {
		m.cfg.DegradedLatency = cfg.DegradedLatency
	}
	if cfg.CriticalLatency > 0 {
		m.cfg.CriticalLatency = cfg.CriticalLatency
	}
}

// Cleanup stops monitoring and detaches collaborators.
func (m *Monitor) Cleanup() {
	m.StopMonitoring()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emit = nil
	m.prober = nil
}

// =============================================================================
// Internals
// =============================================================================

func (m *Monitor) metricsLocked() domain.HealthMetrics {
	var uptime time.Duration
	if m.connected && !m.connectedSince.IsZero() {
		uptime = m.now().Sub(m.connectedSince)
	}
	return domain.HealthMetrics{
		Latency:           m.averageLatencyLocked(),
		ErrorRate:         m.errorRateLocked(),
		ConsecutiveErrors: m.consecutive,
		LastError:         m.lastError,
		LastConnected:     m.lastConnected,
		LastDisconnected:  m.lastDisconnected,
		CurrentUptime:     uptime,
	}
}

func (m *Monitor) averageLatencyLocked() time.Duration {
	if len(m.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range m.recentLatencies {
		total += l
	}
	return total / time.Duration(len(m.recentLatencies))
}

func (m *Monitor) errorRateLocked() float64 {
	if len(m.sampleTimes) == 0 {
		return 0
	}
	return float64(len(m.errorTimes)) / float64(len(m.sampleTimes))
}

func (m *Monitor) pruneWindowLocked() {
	cutoff := m.now().Add(-m.cfg.ErrorWindow)
	m.errorTimes = pruneBefore(m.errorTimes, cutoff)
	m.sampleTimes = pruneBefore(m.sampleTimes, cutoff)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// pendingEvent holds a classification-change event computed under the lock,
// published after the lock is released.
type pendingEvent struct {
	ev domain.ConnectionEvent
	ok bool
}

// reclassifyLocked recomputes the classification and stashes a HEALTH_CHANGED
// event when it actually moved.
func (m *Monitor) reclassifyLocked() {
	prev := m.level
	latency := m.averageLatencyLocked()

	// The raw rate is still reported in metrics, but classification only
	// trusts it once the window holds enough samples.
	rate := 0.0
	if len(m.sampleTimes) >= m.cfg.MinRateSamples {
		rate = m.errorRateLocked()
	}

	level := domain.HealthHealthy
	switch {
	case m.consecutive >= m.cfg.CriticalConsecutiveErrors || rate >= m.cfg.CriticalErrorRate ||
		(m.cfg.CriticalLatency > 0 && latency >= m.cfg.CriticalLatency):
		level = domain.HealthCritical
	case m.consecutive >= m.cfg.UnhealthyConsecutiveErrors || rate >= m.cfg.UnhealthyErrorRate:
		level = domain.HealthUnhealthy
	case m.consecutive >= m.cfg.DegradedConsecutiveErrors || rate >= m.cfg.DegradedErrorRate ||
		(m.cfg.DegradedLatency > 0 && latency >= m.cfg.DegradedLatency):
		level = domain.HealthDegraded
	}

	score := 100.0
	score -= rate * 60
	score -= float64(m.consecutive) * 4
	if m.cfg.CriticalLatency > 0 && latency > 0 {
		score -= float64(latency) / float64(m.cfg.CriticalLatency) * 20
	}
	if score < 0 {
		score = 0
	}

	m.level = level
	m.score = score
	metrics.HealthScore.Set(score)

	if level != prev {
		m.pending = pendingEvent{
			ev: domain.ConnectionEvent{
				Type:      domain.EventHealthChanged,
				Timestamp: m.now(),
				Data: map[string]any{
					"previous": string(prev),
					"current":  string(level),
					"score":    score,
				},
			},
			ok: true,
		}
		m.log.Info("Health classification changed",
			"from", string(prev), "to", string(level), "score", score)
	}
}

// pendingEventLocked pops the stashed classification-change event together
// with the emitter to call after unlocking.
func (m *Monitor) pendingEventLocked() (domain.ConnectionEvent, Emitter) {
	if !m.pending.ok || m.emit == nil {
		return domain.ConnectionEvent{}, nil
	}
	ev := m.pending.ev
	m.pending = pendingEvent{}
	return ev, m.emit
}
