package resilience

import (
	"sync"
	"time"
)

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
	}
	return "closed"
}

// CircuitBreaker counts consecutive transient failures for one provider. At the threshold
// it opens for the cooldown, then lets a single trial call through. Non-transient errors never
// count; the selector fails over on those directly.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time
	trialing  bool
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

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

func (c *CircuitBreaker) state() BreakerState {
	switch {
	case c.failures < c.threshold:
		return BreakerClosed
	case c.now().Before(c.openUntil):
		return BreakerOpen
	}
	return BreakerHalfOpen
}

// Allow reports whether a call may go out. In the half-open state only one caller gets
// through until that call reports back.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if c.trialing {
			return false
		}
		c.trialing = true
		return true
	}
	return false
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures, c.trialing, c.openUntil = 0, false, time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasTrial := c.trialing
	c.trialing = false
	if !IsTransient(err) {
		return
	}
	c.failures++
	if wasTrial || c.failures >= c.threshold {
		c.openUntil = c.now().Add(c.cooldown)
	}
}
