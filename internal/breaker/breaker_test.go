package breaker

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

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	b := New(cfg)
	clk := &fakeClock{t: time.Now()}
	b.now = clk.Now
	return b, clk
}

var errBoom = errors.New("boom")

func failUntil(succeedAfter int) (op func(context.Context) error, calls *int) {
	n := 0
	calls = &n
	return func(ctx context.Context) error {
		n++
		if n > succeedAfter {
			return nil
		}
		return errBoom
	}, calls
}

// =============================================================================
// State machine
// =============================================================================

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})
	ctx := context.Background()

	op := func(ctx context.Context) error { return errBoom }

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, "connect", op); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}

	if got := b.GetStatus(); got != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", got)
	}
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, CooldownPeriod: time.Minute})
	ctx := context.Background()

	calls := 0
	op := func(ctx context.Context) error {
		calls++
		return errBoom
	}

	b.Execute(ctx, "connect", op)
	b.Execute(ctx, "connect", op)
	if calls != 2 {
		t.Fatalf("expected 2 invocations, got %d", calls)
	}

	// Breaker is open now. Further calls never reach op.
	for i := 0; i < 5; i++ {
		if err := b.Execute(ctx, "connect", op); !errors.Is(err, ErrOpen) {
			t.Fatalf("expected ErrOpen, got %v", err)
		}
	}

	if calls != 2 {
		t.Errorf("op call count should stay flat while open, got %d", calls)
	}
	if m := b.GetMetrics(); m.RejectedCalls != 5 {
		t.Errorf("expected 5 rejected calls, got %d", m.RejectedCalls)
	}
}

func TestBreaker_TriggerEventOnFirstRejectionOnly(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, CooldownPeriod: time.Minute})
	ctx := context.Background()

	var mu sync.Mutex
	var events []domain.ConnectionEvent
	b.SetEmitter(func(ev domain.ConnectionEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	b.Execute(ctx, "connect", func(ctx context.Context) error { return errBoom })

	for i := 0; i < 3; i++ {
		b.Execute(ctx, "connect", func(ctx context.Context) error { return nil })
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 trigger event, got %d", len(events))
	}
	if events[0].Type != domain.EventCircuitBreakerTriggered {
		t.Errorf("unexpected event type %s", events[0].Type)
	}
}

func TestBreaker_CooldownMovesToHalfOpen(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, CooldownPeriod: 30 * time.Second})
	ctx := context.Background()

	b.Execute(ctx, "connect", func(ctx context.Context) error { return errBoom })
	if got := b.GetStatus(); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}

	clk.Advance(29 * time.Second)
	if got := b.GetStatus(); got != StateOpen {
		t.Fatalf("expected still open before cooldown, got %s", got)
	}

	clk.Advance(2 * time.Second)
	if got := b.GetStatus(); got != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", got)
	}
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, CooldownPeriod: 10 * time.Second})
	ctx := context.Background()

	b.Execute(ctx, "connect", func(ctx context.Context) error { return errBoom })
	clk.Advance(11 * time.Second)

	if err := b.Execute(ctx, "connect", func(ctx context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("trial call should run, got %v", err)
	}
	if got := b.GetStatus(); got != StateOpen {
		t.Fatalf("expected reopen after trial failure, got %s", got)
	}

	// Cooldown restarted: still open before a full fresh cooldown.
	clk.Advance(9 * time.Second)
	if got := b.GetStatus(); got != StateOpen {
		t.Fatalf("expected open (cooldown restarted), got %s", got)
	}
}

func TestBreaker_HalfOpenSuccessesClose(t *testing.T) {
	b, clk := newTestBreaker(Config{
		FailureThreshold: 1,
		CooldownPeriod:   10 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 2,
	})
	ctx := context.Background()

	b.Execute(ctx, "connect", func(ctx context.Context) error { return errBoom })
	clk.Advance(11 * time.Second)

	ok := func(ctx context.Context) error { return nil }

	if err := b.Execute(ctx, "connect", ok); err != nil {
		t.Fatalf("first trial failed: %v", err)
	}
	if got := b.GetStatus(); got != StateHalfOpen {
		t.Fatalf("expected half-open after 1 success, got %s", got)
	}

	if err := b.Execute(ctx, "connect", ok); err != nil {
		t.Fatalf("second trial failed: %v", err)
	}
	if got := b.GetStatus(); got != StateClosed {
		t.Fatalf("expected closed after success threshold, got %s", got)
	}
	if m := b.GetMetrics(); m.FailureCount != 0 {
		t.Errorf("expected failure count cleared, got %d", m.FailureCount)
	}
}

func TestBreaker_ForceStateAndReset(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5, CooldownPeriod: time.Minute})
	ctx := context.Background()

	b.ForceState(StateOpen, "health critical")
	if got := b.GetStatus(); got != StateOpen {
		t.Fatalf("expected open after force, got %s", got)
	}

	called := false
	b.Execute(ctx, "connect", func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("op must not run while forced open")
	}

	b.Reset()
	if got := b.GetStatus(); got != StateClosed {
		t.Fatalf("expected closed after reset, got %s", got)
	}
	if m := b.GetMetrics(); m.RejectedCalls != 0 || m.FailureCount != 0 {
		t.Errorf("expected counters zeroed, got %+v", m)
	}

	if err := b.Execute(ctx, "connect", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("expected call to pass after reset, got %v", err)
	}
}

func TestBreaker_ResetClearsSubThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5})
	ctx := context.Background()

	fail := func(ctx context.Context) error { return errBoom }

	// Two failures, breaker still closed.
	b.Execute(ctx, "connect", fail)
	b.Execute(ctx, "connect", fail)
	if got := b.GetStatus(); got != StateClosed {
		t.Fatalf("expected closed below threshold, got %s", got)
	}

	b.Reset()
	if m := b.GetMetrics(); m.FailureCount != 0 {
		t.Fatalf("expected failure count cleared by reset, got %d", m.FailureCount)
	}

	// The threshold counts from zero again: four more failures stay closed,
	// the fifth opens.
	for i := 0; i < 4; i++ {
		b.Execute(ctx, "connect", fail)
	}
	if got := b.GetStatus(); got != StateClosed {
		t.Fatalf("expected closed after 4 post-reset failures, got %s", got)
	}
	b.Execute(ctx, "connect", fail)
	if got := b.GetStatus(); got != StateOpen {
		t.Fatalf("expected open at threshold after reset, got %s", got)
	}
}

func TestBreaker_FailureWindowExpiry(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 3, FailureWindow: 10 * time.Second})
	ctx := context.Background()

	fail := func(ctx context.Context) error { return errBoom }

	b.Execute(ctx, "connect", fail)
	b.Execute(ctx, "connect", fail)

	// Window elapses; the old failures no longer count toward the threshold.
	clk.Advance(11 * time.Second)
	b.Execute(ctx, "connect", fail)

	if got := b.GetStatus(); got != StateClosed {
		t.Fatalf("expected closed (window expired), got %s", got)
	}
}
