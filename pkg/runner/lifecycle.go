package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner walks New, Starting, Running, Draining, Stopped. The drain runs once,
// whether triggered by the context or by Stop.
type LifecycleRunner struct {
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	banner  bool

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

// NewLifecycleRunner builds a runner whose drain is bounded by timeout.
func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &LifecycleRunner{hooks: hooks, drainer: drainer, timeout: timeout, banner: true}
	r.state.Store(int32(StateNew))
	return r
}

// WithoutBanner suppresses the startup banner.
func (r *LifecycleRunner) WithoutBanner() *LifecycleRunner {
	r.banner = false
	return r
}

// Run starts the hooks and blocks until ctx ends or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return fmt.Errorf("runner already %s", r.State())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if r.banner {
		PrintBanner()
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(runCtx); err != nil {
			r.setState(StateStopped)
			return err
		}
	}
	r.setState(StateRunning)
	<-runCtx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.stopOnce.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			err := r.drainer.Drain(ctx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrDrainTimeout
			}
			r.stopErr = err
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) setState(s State) { r.state.Store(int32(s)) }
