package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type transientErr struct{}

func (transientErr) Error() string   { return "503" }
func (transientErr) Transient() bool { return true }

func TestBreakerOpensOnTransientOnly(t *testing.T) {
	b := NewCircuitBreaker(2, time.Minute)
	b.OnError(errors.New("bad request"))
	b.OnError(errors.New("bad request"))
	if !b.Allow() {
		t.Fatalf("fatal errors must not open the breaker")
	}
	b.OnError(transientErr{})
	b.OnError(RateLimitError{Provider: "openai"})
	if b.Allow() {
		t.Fatalf("expected breaker open after two transient failures")
	}
	b.OnSuccess()
	if !b.Allow() {
		t.Fatalf("expected breaker closed after success")
	}
}

func TestBreakerCooldownAllowsOneTrial(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewCircuitBreaker(1, time.Second)
	b.now = func() time.Time { return now }
	b.OnError(transientErr{})
	if b.Allow() || b.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	now = now.Add(2 * time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatalf("expected the trial call to pass")
	}
	if b.Allow() {
		t.Fatalf("only one trial call may be in flight")
	}

	b.OnError(transientErr{})
	if b.State() != BreakerOpen {
		t.Fatalf("a failed trial call must reopen, got %s", b.State())
	}
	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected a second trial call")
	}
	b.OnSuccess()
	if b.State() != BreakerClosed || !b.Allow() || !b.Allow() {
		t.Fatalf("a successful trial call must close the breaker")
	}
}

func TestBreakerReleasesTrialOnFatal(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewCircuitBreaker(1, time.Second)
	b.now = func() time.Time { return now }
	b.OnError(transientErr{})
	now = now.Add(2 * time.Second)
	b.Allow()
	b.OnError(errors.New("bad request"))
	if !b.Allow() {
		t.Fatalf("a trial call that failed fatally must not block later trials")
	}
}

func TestRetryStopsOnFatal(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(3, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("fatal")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one call and error, got calls=%d err=%v", calls, err)
	}
}

func TestRetryRetriesTransient(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(2, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return transientErr{}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got calls=%d err=%v", calls, err)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := NewRetryPolicy(5, time.Hour).Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return transientErr{}
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if !IsTransient(err) {
		t.Fatalf("expected the last provider error, got %v", err)
	}
}
