package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls exponential backoff with jitter for outbound calls.
// The zero value performs a single attempt.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
	Retryable         func(error) bool

	// Sleep and Rand are injection points for tests.
	Sleep func(context.Context, time.Duration) error
	Rand  func() float64
}

// Do executes fn up to MaxRetries+1 times. The operation must be safe to
// invoke more than once; a previous attempt's effects may already have
// happened when it is retried.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		if !retryable(err) {
			return err
		}
		if delay := p.delayFor(attempt); delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// delayFor computes the backoff before the retry that follows attempt n
// (0-indexed): min(InitialDelay * BackoffMultiplier^n, MaxDelay), then a
// uniform ±25% jitter when enabled, floored at zero.
func (p RetryPolicy) delayFor(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		random := p.Rand
		if random == nil {
			random = rand.Float64
		}
		delay *= 1 + (random()*0.5 - 0.25)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// DefaultRetryable retries everything except 4xx client errors, circuit-open
// rejections, and context cancellation.
func DefaultRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if kind, ok := CallKindOf(err); ok {
		return kind != KindClient && kind != KindCircuitOpen
	}
	return true
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
