package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError represents a rate limit response from a remote service.
type RateLimitError struct {
	Provider string
	Message  string
	// RetryAfter is the server's requested pause, zero when absent.
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreaker blocks requests after repeated rate limit failures.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// WithClock replaces the time source.
func (c *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

// OpenUntil returns when the breaker closes again; zero when closed.
func (c *CircuitBreaker) OpenUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.now().Before(c.openUntil) {
		return time.Time{}
	}
	return c.openUntil
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

// OnError counts rate limit failures and opens the breaker at the threshold,
// or at once when the server asked for a pause.
func (c *CircuitBreaker) OnError(err error) {
	var rl RateLimitError
	if !errors.As(err, &rl) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	pause := c.cooldown
	if rl.RetryAfter > pause {
		pause = rl.RetryAfter
	}
	if c.failures >= c.threshold || rl.RetryAfter > 0 {
		c.openUntil = c.now().Add(pause)
	}
}
