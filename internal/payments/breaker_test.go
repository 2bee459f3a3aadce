package payments

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func failN(breaker *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = breaker.Execute(context.Background(), func(context.Context) error {
			return errors.New("boom")
		})
	}
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker("dep", CircuitBreakerConfig{
		FailureThreshold: 3,
		OpenDuration:     30 * time.Second,
		Now:              clock.Now,
	})

	failN(breaker, 2)
	if got := breaker.State(); got != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}

	failN(breaker, 1)
	if got := breaker.State(); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}
}

func TestBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker("dep", CircuitBreakerConfig{
		FailureThreshold: 1,
		OpenDuration:     30 * time.Second,
		Now:              clock.Now,
	})
	failN(breaker, 1)

	called := false
	err := breaker.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want circuit open", err)
	}
	if kind, _ := CallKindOf(err); kind != KindCircuitOpen {
		t.Fatalf("kind = %q, want circuit_open", kind)
	}
	if called {
		t.Fatalf("open breaker must not invoke the operation")
	}
}

func TestBreaker_HalfOpenAfterOpenDuration(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker("dep", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenDuration:     30 * time.Second,
		Now:              clock.Now,
	})
	failN(breaker, 1)

	clock.Advance(29 * time.Second)
	if err := breaker.Execute(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err before open duration elapsed = %v, want circuit open", err)
	}

	clock.Advance(2 * time.Second)
	if err := breaker.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe after open duration: %v", err)
	}
	if got := breaker.State(); got != StateClosed {
		t.Fatalf("state after successful probe = %v, want closed", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker("dep", CircuitBreakerConfig{
		FailureThreshold: 3,
		OpenDuration:     30 * time.Second,
		Now:              clock.Now,
	})
	failN(breaker, 3)
	clock.Advance(31 * time.Second)

	// One failed probe re-opens regardless of the failure threshold.
	failN(breaker, 1)
	if got := breaker.State(); got != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", got)
	}
	if err := breaker.Execute(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err after re-open = %v, want circuit open", err)
	}
}

func TestBreaker_SuccessThresholdCloses(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker("dep", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenDuration:     time.Second,
		Now:              clock.Now,
	})
	failN(breaker, 1)
	clock.Advance(2 * time.Second)

	if err := breaker.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if got := breaker.State(); got != StateHalfOpen {
		t.Fatalf("state after one probe = %v, want half_open", got)
	}
	if err := breaker.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if got := breaker.State(); got != StateClosed {
		t.Fatalf("state after two probes = %v, want closed", got)
	}
}

func TestBreaker_ClosedSuccessResetsFailureCount(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker("dep", CircuitBreakerConfig{
		FailureThreshold: 3,
		Now:              clock.Now,
	})

	failN(breaker, 2)
	if err := breaker.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("success: %v", err)
	}
	failN(breaker, 2)
	if got := breaker.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed: the success should have reset the count", got)
	}
}

func TestBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker("dep", CircuitBreakerConfig{
		FailureThreshold: 1,
		CallTimeout:      5 * time.Millisecond,
		Now:              clock.Now,
	})

	err := breaker.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	if err == nil {
		t.Fatalf("timed-out call must surface an error")
	}
	if kind, _ := CallKindOf(err); kind != KindTimeout {
		t.Fatalf("kind = %q, want timeout", kind)
	}
	if got := breaker.State(); got != StateOpen {
		t.Fatalf("state = %v, want open: a timeout is a failure", got)
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	type transition struct{ from, to BreakerState }
	var transitions []transition
	breaker := NewCircuitBreaker("enrollment-service", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenDuration:     time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to BreakerState) {
			if name != "enrollment-service" {
				t.Fatalf("name = %q", name)
			}
			transitions = append(transitions, transition{from, to})
		},
	})

	failN(breaker, 1)
	clock.Advance(2 * time.Second)
	if err := breaker.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}

	want := []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i, tr := range want {
		if transitions[i] != tr {
			t.Fatalf("transition[%d] = %v, want %v", i, transitions[i], tr)
		}
	}
}

func TestBreaker_NilBreakerPassesThrough(t *testing.T) {
	var breaker *CircuitBreaker
	err := breaker.Execute(context.Background(), func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("nil breaker: %v", err)
	}
}

func TestBreakerRegistry_OneBreakerPerName(t *testing.T) {
	registry := NewBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2})

	a := registry.Get("payment-provider")
	b := registry.Get("payment-provider")
	if a != b {
		t.Fatalf("Get must return the same breaker per name")
	}
	if c := registry.Get("enrollment-service"); c == a {
		t.Fatalf("distinct names must get distinct breakers")
	}
}

func TestBreakerRegistry_PerNameConfig(t *testing.T) {
	clock := newFakeClock()
	registry := NewBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 5, Now: clock.Now})
	registry.Configure("flaky", CircuitBreakerConfig{FailureThreshold: 1})

	failN(registry.Get("flaky"), 1)
	if got := registry.Get("flaky").State(); got != StateOpen {
		t.Fatalf("flaky state = %v, want open with per-name threshold 1", got)
	}

	failN(registry.Get("steady"), 1)
	if got := registry.Get("steady").State(); got != StateClosed {
		t.Fatalf("steady state = %v, want closed under the default threshold", got)
	}
}
