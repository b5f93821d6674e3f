package invoker

import (
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/conduit/internal/config"
)

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func breakerCfg(failures, successes int, timeout time.Duration) config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{FailureThreshold: failures, SuccessThreshold: successes, Timeout: timeout}
}

func TestCircuitBreaker_startsClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(breakerCfg(3, 2, time.Second))

	if s := cb.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want Closed", s)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestCircuitBreaker_opensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(breakerCfg(3, 2, time.Second))

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want Closed", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want Open", s)
	}
	if err := cb.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() = %v, want ErrBreakerOpen", err)
	}
}

func TestCircuitBreaker_successResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(breakerCfg(3, 2, time.Second))

	cb.Record(errors.New("x"))
	cb.Record(errors.New("x"))
	cb.Record(nil)

	cb.Record(errors.New("x"))
	cb.Record(errors.New("x"))
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want Closed after reset", s)
	}
}

func TestCircuitBreaker_halfOpenCycle(t *testing.T) {
	clock := newClock()
	cb := NewCircuitBreaker(breakerCfg(1, 2, 10*time.Second), WithBreakerClock(clock.Now))

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Fatalf("state = %v, want Open", s)
	}

	clock.Advance(11 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after timeout = %v, want nil", err)
	}
	if s := cb.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want HalfOpen", s)
	}

	cb.RecordSuccess()
	if s := cb.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 probe success = %v, want HalfOpen", s)
	}
	cb.RecordSuccess()
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state after 2 probe successes = %v, want Closed", s)
	}
}

func TestCircuitBreaker_halfOpenToOpenOnFailure(t *testing.T) {
	clock := newClock()
	cb := NewCircuitBreaker(breakerCfg(1, 2, 10*time.Second), WithBreakerClock(clock.Now))

	cb.RecordFailure()
	clock.Advance(11 * time.Second)
	_ = cb.State()

	cb.RecordFailure()
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want Open", s)
	}
}

func TestCircuitBreaker_StateString(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(99): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

func TestCircuitBreaker_defaultValues(t *testing.T) {
	cb := NewCircuitBreaker(config.CircuitBreakerConfig{})
	if cb.failureThreshold != 5 {
		t.Errorf("failureThreshold = %d, want 5", cb.failureThreshold)
	}
	if cb.successThreshold != 2 {
		t.Errorf("successThreshold = %d, want 2", cb.successThreshold)
	}
	if cb.timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", cb.timeout)
	}
}

func TestCircuitBreaker_errorRateTripsBreaker(t *testing.T) {
	cfg := config.CircuitBreakerConfig{
		FailureThreshold:   100,
		SuccessThreshold:   1,
		Timeout:            time.Second,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	// Alternate so consecutive failures never reach the threshold.
	for i := 0; i < 9; i++ {
		if i%2 == 0 {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
	}
	if s := cb.State(); s != BreakerClosed {
		t.Fatalf("state before min samples = %v, want Closed", s)
	}

	cb.RecordFailure() // 10th call, 6/10 failures
	if s := cb.State(); s != BreakerOpen {
		t.Errorf("state = %v, want Open on error rate", s)
	}
}

func TestCircuitBreaker_errorRateWindowExpiry(t *testing.T) {
	clock := newClock()
	cfg := config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	}
	cb := NewCircuitBreaker(cfg, WithBreakerClock(clock.Now))

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
		cb.RecordSuccess()
	}
	if rate, total := cb.ErrorRate(); total != 10 || rate != 0.5 {
		t.Fatalf("ErrorRate() = %v, %d; want 0.5, 10", rate, total)
	}

	clock.Advance(2 * time.Minute)
	if rate, total := cb.ErrorRate(); total != 0 || rate != 0 {
		t.Errorf("ErrorRate() after window = %v, %d; want 0, 0", rate, total)
	}
}

func TestCircuitBreaker_errorRateDisabledWhenZero(t *testing.T) {
	cb := NewCircuitBreaker(breakerCfg(100, 1, time.Second))
	for i := 0; i < 50; i++ {
		cb.RecordFailure()
		cb.RecordSuccess()
	}
	if s := cb.State(); s != BreakerClosed {
		t.Errorf("state = %v, want Closed with rate tripping disabled", s)
	}
}

func TestCircuitBreaker_stateChangeCallback(t *testing.T) {
	clock := newClock()
	var seen []BreakerState
	cb := NewCircuitBreaker(breakerCfg(1, 1, time.Second),
		WithBreakerClock(clock.Now),
		WithStateChange(func(s BreakerState) { seen = append(seen, s) }),
	)

	cb.RecordFailure()
	clock.Advance(2 * time.Second)
	_ = cb.Allow()
	cb.RecordSuccess()

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}
