// Package selector binds a call to concrete LLM, TTS and STT backends and fails over
// per capability when one of them breaks mid-call.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/llm"
	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/metrics"
	"github.com/harunnryd/callorch/pkg/resilience"
)

var (
	ErrExhausted   = errors.New("selector: all providers exhausted")
	errCircuitOpen = errors.New("circuit open")
)

type Config struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// CallInfo identifies the call a binding serves.
type CallInfo struct {
	CallSID  string
	StreamID string
	TraceID  string
	Language string
}

// Selector is shared by every call. Circuit breakers are per vendor and capability, so a
// provider that is down for one call is skipped quickly by the next.
type Selector struct {
	registry *Registry
	cfg      Config
	retry    resilience.RetryPolicy
	observer metrics.Observer
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

func New(registry *Registry, cfg Config, observer metrics.Observer, logger *slog.Logger) *Selector {
	cfg = cfg.withDefaults()
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Selector{
		registry: registry,
		cfg:      cfg,
		retry:    resilience.NewRetryPolicy(cfg.MaxRetries, cfg.RetryBackoff),
		observer: observer,
		logger:   logging.NewComponentLogger(logger, "selector"),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// Select resolves the plan for cfg against the registry. Backends are created lazily on
// first use, so Select itself performs no I/O.
func (s *Selector) Select(cfg metadata.AgentConfig, call CallInfo) (*Binding, error) {
	plan := DefaultPlan(cfg.Providers)
	plan.LLM = s.available(llm.CapabilityLLM, plan.LLM, call)
	plan.TTS = s.available(llm.CapabilityTTS, plan.TTS, call)
	plan.STT = s.available(llm.CapabilitySTT, plan.STT, call)
	for capability, specs := range map[llm.Capability][]Spec{
		llm.CapabilityLLM: plan.LLM,
		llm.CapabilityTTS: plan.TTS,
		llm.CapabilitySTT: plan.STT,
	} {
		if len(specs) == 0 {
			return nil, errorsx.Wrap(fmt.Errorf("%w: no %s provider registered", ErrExhausted, capability), errorsx.ReasonProviderExhausted)
		}
	}
	return newBinding(s, plan, call), nil
}

func (s *Selector) available(capability llm.Capability, specs []Spec, call CallInfo) []Spec {
	out := make([]Spec, 0, len(specs))
	for _, spec := range specs {
		if !s.registry.has(capability, spec.Vendor) {
			s.logger.Debug("provider_not_registered",
				slog.String("call_sid", call.CallSID),
				slog.String("capability", string(capability)),
				slog.String("vendor", spec.Vendor))
			continue
		}
		out = append(out, spec)
	}
	return out
}

func (s *Selector) breaker(capability llm.Capability, vendor string) *resilience.CircuitBreaker {
	k := string(capability) + "/" + vendor
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[k]
	if b == nil {
		b = resilience.NewCircuitBreaker(s.cfg.BreakerThreshold, s.cfg.BreakerCooldown)
		s.breakers[k] = b
	}
	return b
}

// call runs fn against one provider with retries on transient errors. An open breaker
// fails immediately so the binding moves on to the next provider.
func (s *Selector) call(ctx context.Context, capability llm.Capability, spec Spec, fn func(context.Context) error) error {
	b := s.breaker(capability, spec.Vendor)
	return s.retry.Do(ctx, func(ctx context.Context) error {
		if !b.Allow() {
			s.logger.Debug("provider_breaker_rejected", "capability", string(capability), "vendor", spec.Vendor, "state", b.State().String())
			return llm.Fatal(spec.Vendor, capability, errCircuitOpen)
		}
		err := fn(ctx)
		if err != nil {
			b.OnError(err)
			return err
		}
		b.OnSuccess()
		return nil
	})
}
