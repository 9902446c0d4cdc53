package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by callers that refuse work while the breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
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

// BreakerState is the position of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops avatar session starts after repeated rate limit
// responses. Once the cooldown elapses a single probe is let through; its
// outcome closes or reopens the breaker.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	probing   bool
	now       func() time.Time
	onChange  func(from, to BreakerState)
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

// OnStateChange registers fn to run, outside the lock, on every transition.
func (c *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Allow reports whether a start attempt may proceed. In the half-open state
// only the first caller gets through until the probe reports back.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	var change func()
	allowed := false
	switch c.state {
	case BreakerClosed:
		allowed = true
	case BreakerOpen:
		if !c.now().Before(c.openUntil) {
			change = c.moveLocked(BreakerHalfOpen)
			c.probing = true
			allowed = true
		}
	case BreakerHalfOpen:
		if !c.probing {
			c.probing = true
			allowed = true
		}
	}
	c.mu.Unlock()
	if change != nil {
		change()
	}
	return allowed
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryAfter is the remaining cooldown, zero unless open.
func (c *CircuitBreaker) RetryAfter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != BreakerOpen {
		return 0
	}
	if d := c.openUntil.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.probing = false
	c.openUntil = time.Time{}
	change := c.moveLocked(BreakerClosed)
	c.mu.Unlock()
	if change != nil {
		change()
	}
}

// OnError counts rate limit failures. Other errors only release a pending
// probe.
func (c *CircuitBreaker) OnError(err error) {
	c.mu.Lock()
	c.probing = false
	var change func()
	if IsRateLimit(err) {
		c.failures++
		if c.state == BreakerHalfOpen || c.failures >= c.threshold {
			c.openUntil = c.now().Add(c.cooldown)
			change = c.moveLocked(BreakerOpen)
		}
	}
	c.mu.Unlock()
	if change != nil {
		change()
	}
}

func (c *CircuitBreaker) moveLocked(to BreakerState) func() {
	from := c.state
	if from == to {
		return nil
	}
	c.state = to
	fn := c.onChange
	if fn == nil {
		return nil
	}
	return func() { fn(from, to) }
}
