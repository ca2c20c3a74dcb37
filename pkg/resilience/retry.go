package resilience

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	// MaxBackoff caps exponential growth. Zero keeps a constant Backoff.
	MaxBackoff time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// WithExponential returns a copy that doubles the delay after each attempt up to max.
func (r RetryPolicy) WithExponential(max time.Duration) RetryPolicy {
	r.MaxBackoff = max
	return r
}

func (r RetryPolicy) Do(fn func() error) error {
	return r.DoContext(context.Background(), func(context.Context) error { return fn() })
}

// DoContext retries fn until it succeeds, returns a permanent error, runs out of
// attempts, or ctx is done.
func (r RetryPolicy) DoContext(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || i == r.MaxRetries {
			return err
		}
		t := time.NewTimer(r.delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}

func (r RetryPolicy) delay(attempt int) time.Duration {
	if r.MaxBackoff <= 0 {
		return r.Backoff
	}
	d := time.Duration(float64(r.Backoff) * math.Pow(2, float64(attempt)))
	if d > r.MaxBackoff || d <= 0 {
		return r.MaxBackoff
	}
	return d
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so RetryPolicy stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var p PermanentError
	return errors.As(err, &p)
}

// ExponentialDelay returns base * 2^attempt, used for coarse schedules such as
// per-session retry backoff.
func ExponentialDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return base * time.Duration(1<<uint(attempt))
}
