package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/gatekeeper/internal/core/domain"
)

// =============================================================================
// Helpers
// =============================================================================

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.ConnectionEvent
}

func (r *eventRecorder) record(ev domain.ConnectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(t domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newTestMonitor(cfg Config) (*Monitor, *eventRecorder) {
	m := NewMonitor(cfg)
	rec := &eventRecorder{}
	m.SetEmitter(rec.record)
	return m, rec
}

// =============================================================================
// Classification
// =============================================================================

func TestMonitor_StartsHealthy(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig())

	st := m.GetHealthStatus()
	if st.Health != domain.HealthHealthy {
		t.Errorf("expected healthy, got %s", st.Health)
	}
	if st.Score != 100 {
		t.Errorf("expected score 100, got %f", st.Score)
	}
}

func TestMonitor_ConsecutiveErrorsLadder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DegradedConsecutiveErrors = 2
	cfg.UnhealthyConsecutiveErrors = 4
	cfg.CriticalConsecutiveErrors = 6
	// Keep error-rate thresholds out of the way for this test.
	cfg.DegradedErrorRate = 2
	cfg.UnhealthyErrorRate = 2
	cfg.CriticalErrorRate = 2
	m, _ := newTestMonitor(cfg)

	boom := errors.New("gateway error")

	m.RecordError(boom)
	if got := m.GetHealthStatus().Health; got != domain.HealthHealthy {
		t.Errorf("after 1 error: expected healthy, got %s", got)
	}

	m.RecordError(boom)
	if got := m.GetHealthStatus().Health; got != domain.HealthDegraded {
		t.Errorf("after 2 errors: expected degraded, got %s", got)
	}

	m.RecordError(boom)
	m.RecordError(boom)
	if got := m.GetHealthStatus().Health; got != domain.HealthUnhealthy {
		t.Errorf("after 4 errors: expected unhealthy, got %s", got)
	}

	m.RecordError(boom)
	m.RecordError(boom)
	if got := m.GetHealthStatus().Health; got != domain.HealthCritical {
		t.Errorf("after 6 errors: expected critical, got %s", got)
	}
}

func TestMonitor_HealthChangedFiresOncePerChange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DegradedConsecutiveErrors = 1
	cfg.UnhealthyConsecutiveErrors = 100
	cfg.CriticalConsecutiveErrors = 100
	cfg.DegradedErrorRate = 2
	cfg.UnhealthyErrorRate = 2
	cfg.CriticalErrorRate = 2
	m, rec := newTestMonitor(cfg)

	boom := errors.New("gateway error")

	// First error moves healthy -> degraded. Repeats keep the classification.
	for i := 0; i < 5; i++ {
		m.RecordError(boom)
	}

	if got := rec.count(domain.EventHealthChanged); got != 1 {
		t.Errorf("expected exactly 1 health change event, got %d", got)
	}
	if got := rec.count(domain.EventErrorOccurred); got != 5 {
		t.Errorf("expected 5 error events, got %d", got)
	}
}

func TestMonitor_ResetConsecutiveErrorsRecovers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DegradedConsecutiveErrors = 2
	cfg.DegradedErrorRate = 2
	cfg.UnhealthyErrorRate = 2
	cfg.CriticalErrorRate = 2
	m, rec := newTestMonitor(cfg)

	m.RecordError(errors.New("x"))
	m.RecordError(errors.New("y"))
	if got := m.GetHealthStatus().Health; got != domain.HealthDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}

	m.ResetConsecutiveErrors()

	st := m.GetHealthStatus()
	if st.Metrics.ConsecutiveErrors != 0 {
		t.Errorf("expected consecutive errors cleared, got %d", st.Metrics.ConsecutiveErrors)
	}
	// Two errors remain in the window but rate thresholds are disabled here,
	// so classification returns to healthy and a second change event fires.
	if got := rec.count(domain.EventHealthChanged); got != 2 {
		t.Errorf("expected 2 health change events, got %d", got)
	}
}

func TestMonitor_ErrorRateWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DegradedErrorRate = 0.5
	cfg.UnhealthyErrorRate = 0.9
	cfg.CriticalErrorRate = 0.95
	cfg.DegradedConsecutiveErrors = 100
	cfg.UnhealthyConsecutiveErrors = 100
	cfg.CriticalConsecutiveErrors = 100
	cfg.MinRateSamples = 4
	m, _ := newTestMonitor(cfg)

	// 1 error out of 4 samples: 25%, below the 50% threshold.
	m.RecordLatency(10 * time.Millisecond)
	m.RecordLatency(10 * time.Millisecond)
	m.RecordLatency(10 * time.Millisecond)
	m.RecordError(errors.New("x"))

	st := m.GetHealthStatus()
	if st.Metrics.ErrorRate != 0.25 {
		t.Errorf("expected error rate 0.25, got %f", st.Metrics.ErrorRate)
	}
	if st.Health != domain.HealthHealthy {
		t.Errorf("expected healthy at 25%% error rate, got %s", st.Health)
	}

	// Two more errors: 3/6 = 50%, meets the degraded threshold.
	m.RecordError(errors.New("y"))
	m.RecordError(errors.New("z"))
	if got := m.GetHealthStatus().Health; got != domain.HealthDegraded {
		t.Errorf("expected degraded at 50%% error rate, got %s", got)
	}
}

func TestMonitor_FirstErrorDoesNotTripRateThresholds(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig())

	// One error is one sample, so the raw rate reads 100%. With only a
	// single sample in the window the rate thresholds must not apply.
	m.RecordError(errors.New("gateway error"))

	st := m.GetHealthStatus()
	if st.Health != domain.HealthHealthy {
		t.Errorf("expected healthy after a single error, got %s", st.Health)
	}
	if st.Metrics.ErrorRate != 1.0 {
		t.Errorf("expected raw error rate 1.0 still reported, got %f", st.Metrics.ErrorRate)
	}

	// Above the sample floor the thresholds take effect again: fill the
	// window with errors only and the rate reads critical.
	for i := 0; i < 9; i++ {
		m.RecordError(errors.New("gateway error"))
	}
	if got := m.GetHealthStatus().Health; got != domain.HealthCritical {
		t.Errorf("expected critical with a saturated error window, got %s", got)
	}
}

func TestMonitor_SampleCyclePrunesExpiredWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorWindow = time.Minute
	cfg.DegradedErrorRate = 0.5
	cfg.DegradedConsecutiveErrors = 100
	cfg.UnhealthyConsecutiveErrors = 100
	cfg.CriticalConsecutiveErrors = 100
	cfg.MinRateSamples = 2
	m, _ := newTestMonitor(cfg)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	m.RecordError(errors.New("x"))
	m.RecordError(errors.New("y"))
	if got := m.GetHealthStatus().Health; got != domain.HealthDegraded {
		t.Fatalf("expected degraded at 100%% rate, got %s", got)
	}

	// The window passes without new samples. The idle sampling cycle must
	// age the old entries out instead of holding the stale rate forever.
	now = base.Add(2 * time.Minute)
	m.sample(context.Background())

	st := m.GetHealthStatus()
	if st.Metrics.ErrorRate != 0 {
		t.Errorf("expected error rate 0 after window expiry, got %f", st.Metrics.ErrorRate)
	}
	if st.Health != domain.HealthHealthy {
		t.Errorf("expected healthy after window expiry, got %s", st.Health)
	}
}

func TestMonitor_LatencyThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DegradedLatency = 100 * time.Millisecond
	m, _ := newTestMonitor(cfg)

	m.RecordLatency(500 * time.Millisecond)

	if got := m.GetHealthStatus().Health; got != domain.HealthDegraded {
		t.Errorf("expected degraded on slow latency, got %s", got)
	}
}

// =============================================================================
// Metrics bookkeeping
// =============================================================================

func TestMonitor_UpdateConnectionMetrics(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig())

	connectedAt := time.Now()
	m.UpdateConnectionMetrics(connectedAt, time.Time{}, true)

	st := m.GetHealthStatus()
	if !st.Metrics.LastConnected.Equal(connectedAt) {
		t.Errorf("expected lastConnected %v, got %v", connectedAt, st.Metrics.LastConnected)
	}
	if st.Metrics.CurrentUptime < 0 {
		t.Error("uptime must be non-negative")
	}

	disconnectedAt := time.Now()
	m.UpdateConnectionMetrics(time.Time{}, disconnectedAt, false)

	st = m.GetHealthStatus()
	if !st.Metrics.LastDisconnected.Equal(disconnectedAt) {
		t.Errorf("expected lastDisconnected %v, got %v", disconnectedAt, st.Metrics.LastDisconnected)
	}
	if !st.Metrics.LastConnected.Equal(connectedAt) {
		t.Error("zero-valued lastConnected must not clobber previous value")
	}
	if st.Metrics.CurrentUptime != 0 {
		t.Errorf("expected zero uptime when disconnected, got %v", st.Metrics.CurrentUptime)
	}
}

func TestMonitor_ResetMetrics(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig())

	m.RecordError(errors.New("x"))
	m.RecordLatency(2 * time.Second)
	m.ResetMetrics()

	st := m.GetHealthStatus()
	if st.Health != domain.HealthHealthy || st.Score != 100 {
		t.Errorf("expected healthy/100 after reset, got %s/%f", st.Health, st.Score)
	}
	if st.Metrics.ErrorRate != 0 || st.Metrics.ConsecutiveErrors != 0 {
		t.Errorf("expected zeroed metrics, got %+v", st.Metrics)
	}

	d := m.GetDiagnostics()
	if len(d.RecentErrors) != 0 {
		t.Errorf("expected recent errors cleared, got %d", len(d.RecentErrors))
	}
}

func TestMonitor_RecentErrorsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRecentErrors = 3
	m, _ := newTestMonitor(cfg)

	for i := 0; i < 10; i++ {
		m.RecordError(errors.New("x"))
	}

	if d := m.GetDiagnostics(); len(d.RecentErrors) != 3 {
		t.Errorf("expected recent errors capped at 3, got %d", len(d.RecentErrors))
	}
}

func TestMonitor_StartStopIdempotent(t *testing.T) {
	m, _ := newTestMonitor(Config{CheckInterval: time.Hour})

	m.StartMonitoring()
	m.StartMonitoring() // second call is a no-op
	m.StopMonitoring()
	m.StopMonitoring() // and so is stopping twice

	if d := m.GetDiagnostics(); d.Monitoring {
		t.Error("expected monitoring stopped")
	}
}
