package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}
	calls := 0
	err := p.Do(func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryPolicyPermanentShortCircuits(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, Backoff: time.Millisecond}
	calls := 0
	err := p.Do(func() error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	p := RetryPolicy{MaxRetries: 10, Backoff: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.DoContext(ctx, func(context.Context) error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestExponentialDelay(t *testing.T) {
	if got := ExponentialDelay(time.Minute, 0); got != time.Minute {
		t.Fatalf("attempt 0: got %s", got)
	}
	if got := ExponentialDelay(time.Minute, 3); got != 8*time.Minute {
		t.Fatalf("attempt 3: got %s", got)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)
	cb.OnError(errors.New("plain"))
	cb.OnError(RateLimitError{Provider: "upload"})
	if !cb.Allow() {
		t.Fatalf("breaker should still allow after one rate limit")
	}
	cb.OnError(RateLimitError{Provider: "upload"})
	if cb.Allow() {
		t.Fatalf("breaker should open after threshold")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("breaker should close after success")
	}
}

func TestCircuitBreakerHonoursRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(5, time.Second).WithClock(func() time.Time { return now })
	cb.OnError(RateLimitError{RetryAfter: time.Minute})
	if cb.Allow() {
		t.Fatalf("retry-after should open the breaker at once")
	}
	if got := cb.OpenUntil(); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected open until: %v", got)
	}
	now = now.Add(61 * time.Second)
	if !cb.Allow() || !cb.OpenUntil().IsZero() {
		t.Fatalf("breaker should close after the pause")
	}
}
