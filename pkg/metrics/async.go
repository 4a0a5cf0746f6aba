package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver hands events to a slower observer on its own goroutine. A full buffer
// drops the event rather than stalling a call.
type AsyncObserver struct {
	inner Observer
	queue chan MetricsEvent
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{inner: inner, queue: make(chan MetricsEvent, buffer), done: make(chan struct{})}
	go func() {
		defer close(a.done)
		for ev := range a.queue {
			a.inner.RecordEvent(ev)
		}
	}()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped counts events lost to a full buffer.
func (a *AsyncObserver) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events. Buffered events are still delivered; Wait for them.
func (a *AsyncObserver) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
}

func (a *AsyncObserver) Wait() { <-a.done }
