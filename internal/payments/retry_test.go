package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetry_SuccessFirstAttempt(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		Sleep:        recordingSleep(&delays),
	}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(delays) != 0 {
		t.Fatalf("slept %v, want no sleeps", delays)
	}
}

func TestRetry_ExponentialBackoffSchedule(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      100 * time.Millisecond,
		BackoffMultiplier: 2,
		Sleep:             recordingSleep(&delays),
	}

	calls := 0
	boom := errors.New("boom")
	err := policy.Do(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i, d := range want {
		if delays[i] != d {
			t.Fatalf("delay[%d] = %v, want %v", i, delays[i], d)
		}
	}
}

func TestRetry_MaxDelayCapsBackoff(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{
		MaxRetries:        4,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          250 * time.Millisecond,
		BackoffMultiplier: 2,
		Sleep:             recordingSleep(&delays),
	}

	_ = policy.Do(context.Background(), func() error { return errors.New("boom") })

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}
	for i, d := range want {
		if delays[i] != d {
			t.Fatalf("delay[%d] = %v, want %v", i, delays[i], d)
		}
	}
}

func TestRetry_JitterBounds(t *testing.T) {
	cases := []struct {
		name   string
		random float64
		want   time.Duration
	}{
		{"floor", 0, 75 * time.Millisecond},
		{"midpoint", 0.5, 100 * time.Millisecond},
		{"ceiling", 1, 125 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var delays []time.Duration
			policy := RetryPolicy{
				MaxRetries:        1,
				InitialDelay:      100 * time.Millisecond,
				BackoffMultiplier: 2,
				Jitter:            true,
				Rand:              func() float64 { return tc.random },
				Sleep:             recordingSleep(&delays),
			}
			_ = policy.Do(context.Background(), func() error { return errors.New("boom") })
			if len(delays) != 1 || delays[0] != tc.want {
				t.Fatalf("delays = %v, want [%v]", delays, tc.want)
			}
		})
	}
}

func TestRetry_NonRetryableReturnsImmediately(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		Sleep:        recordingSleep(&delays),
	}

	calls := 0
	clientErr := &CallError{Kind: KindClient, Status: 404, Err: errors.New("not found")}
	err := policy.Do(context.Background(), func() error {
		calls++
		return clientErr
	})
	if !errors.Is(err, clientErr) {
		t.Fatalf("err = %v, want the client error", err)
	}
	if strings.Contains(err.Error(), "attempts") {
		t.Fatalf("non-retryable error must not carry the exhaustion prefix: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(delays) != 0 {
		t.Fatalf("slept %v, want no sleeps", delays)
	}
}

func TestRetry_CircuitOpenNotRetried(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, Sleep: recordingSleep(&[]time.Duration{})}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return &CallError{Kind: KindCircuitOpen, Err: ErrCircuitOpen}
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want circuit open", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1: rejections must not be hammered with retries", calls)
	}
}

func TestRetry_ExhaustionAnnotatesAttemptCount(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, Sleep: recordingSleep(&[]time.Duration{})}

	boom := errors.New("boom")
	err := policy.Do(context.Background(), func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if want := fmt.Sprintf("after %d attempts", 3); !strings.Contains(err.Error(), want) {
		t.Fatalf("err = %q, want it to contain %q", err, want)
	}
}

func TestRetry_ContextCanceledStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	policy := RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 10 * time.Millisecond,
	}
	err := policy.Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDefaultRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("boom"), true},
		{"server error", &CallError{Kind: KindServer, Status: 503, Err: errors.New("boom")}, true},
		{"network error", &CallError{Kind: KindNetwork, Err: errors.New("refused")}, true},
		{"timeout", &CallError{Kind: KindTimeout, Err: errors.New("deadline")}, true},
		{"client error", &CallError{Kind: KindClient, Status: 400, Err: errors.New("bad request")}, false},
		{"circuit open", &CallError{Kind: KindCircuitOpen, Err: ErrCircuitOpen}, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DefaultRetryable(tc.err); got != tc.want {
				t.Fatalf("DefaultRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
