package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/callorch/pkg/adapters/stt"
	"github.com/harunnryd/callorch/pkg/adapters/tts"
	"github.com/harunnryd/callorch/pkg/callsession"
	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/llm"
	"github.com/harunnryd/callorch/pkg/metrics"
)

// Binding holds the backends of one call. Each capability walks its own fallback list;
// a failure in one never restarts the others. The list position only moves forward.
type Binding struct {
	sel  *Selector
	plan Plan
	call CallInfo

	mu     sync.Mutex
	idx    map[llm.Capability]int
	llms   map[int]llm.LLMAdapter
	synths map[int]tts.Synthesizer
	rec    stt.StreamingSTT
	closed bool
}

func newBinding(sel *Selector, plan Plan, call CallInfo) *Binding {
	return &Binding{
		sel:    sel,
		plan:   plan,
		call:   call,
		idx:    map[llm.Capability]int{},
		llms:   map[int]llm.LLMAdapter{},
		synths: map[int]tts.Synthesizer{},
	}
}

// Plan returns the resolved fallback lists.
func (b *Binding) Plan() Plan { return b.plan }

// Generate runs one completion, failing over to the next LLM when the current one is
// exhausted. The caller owns the conversation, so nothing is lost on a switch.
func (b *Binding) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	for {
		i, spec, ok := b.current(llm.CapabilityLLM)
		if !ok {
			return llm.Response{}, b.exhausted(llm.CapabilityLLM)
		}
		adapter, err := b.llmAt(i, spec)
		var resp llm.Response
		if err == nil {
			in := input
			if in.Temperature == nil && spec.Temperature != nil {
				in.Temperature = spec.Temperature
			}
			err = b.sel.call(ctx, llm.CapabilityLLM, spec, func(ctx context.Context) error {
				var genErr error
				resp, genErr = adapter.Generate(ctx, in)
				return genErr
			})
			if err == nil {
				return resp, nil
			}
		}
		if ctx.Err() != nil {
			return llm.Response{}, ctx.Err()
		}
		b.advance(llm.CapabilityLLM, i, err)
	}
}

// Speak synthesizes text and hands every frame to emit. When a voice provider fails, the
// same text is sent to the next one; the turn is not replayed. Errors from emit itself end
// the call's audio path and are returned as is.
func (b *Binding) Speak(ctx context.Context, text string, emit func(frames.AudioFrame) error) error {
	for {
		i, spec, ok := b.current(llm.CapabilityTTS)
		if !ok {
			return b.exhausted(llm.CapabilityTTS)
		}
		synth, err := b.synthAt(i, spec)
		var emitErr error
		if err == nil {
			err = b.sel.call(ctx, llm.CapabilityTTS, spec, func(ctx context.Context) error {
				return synth.Synthesize(ctx, text, func(f frames.AudioFrame) error {
					if e := emit(f); e != nil {
						emitErr = e
						return e
					}
					return nil
				})
			})
			if err == nil {
				return nil
			}
		}
		if emitErr != nil {
			return emitErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.advance(llm.CapabilityTTS, i, err)
	}
}

// Recognizer returns the running recognizer, starting the current one if needed.
func (b *Binding) Recognizer(ctx context.Context) (stt.StreamingSTT, error) {
	b.mu.Lock()
	rec := b.rec
	b.mu.Unlock()
	if rec != nil {
		return rec, nil
	}
	return b.startRecognizer(ctx)
}

// RecognizerFailed closes the broken recognizer and starts the next one.
func (b *Binding) RecognizerFailed(ctx context.Context, cause error) (stt.StreamingSTT, error) {
	b.mu.Lock()
	rec := b.rec
	b.rec = nil
	b.mu.Unlock()
	if rec != nil {
		_ = rec.Close()
	}
	i, _, ok := b.current(llm.CapabilitySTT)
	if !ok {
		return nil, b.exhausted(llm.CapabilitySTT)
	}
	if cause == nil {
		cause = errors.New("recognizer stopped")
	}
	b.advance(llm.CapabilitySTT, i, cause)
	return b.startRecognizer(ctx)
}

func (b *Binding) startRecognizer(ctx context.Context) (stt.StreamingSTT, error) {
	for {
		i, spec, ok := b.current(llm.CapabilitySTT)
		if !ok {
			return nil, b.exhausted(llm.CapabilitySTT)
		}
		rec, err := b.sel.registry.BuildSTT(spec, stt.Config{
			StreamID:   b.call.StreamID,
			CallSID:    b.call.CallSID,
			TraceID:    b.call.TraceID,
			SampleRate: 8000,
			Language:   b.call.Language,
		})
		if err == nil {
			err = b.sel.call(ctx, llm.CapabilitySTT, spec, rec.Start)
			if err == nil {
				b.mu.Lock()
				if b.closed {
					b.mu.Unlock()
					_ = rec.Close()
					return nil, errors.New("binding closed")
				}
				b.rec = rec
				b.mu.Unlock()
				return rec, nil
			}
			_ = rec.Close()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.advance(llm.CapabilitySTT, i, err)
	}
}

// Current names the backends in use, for session snapshots.
func (b *Binding) Current() callsession.Providers {
	name := func(c llm.Capability) string {
		_, spec, ok := b.current(c)
		if !ok {
			return ""
		}
		return spec.String()
	}
	return callsession.Providers{
		LLM: name(llm.CapabilityLLM),
		TTS: name(llm.CapabilityTTS),
		STT: name(llm.CapabilitySTT),
	}
}

// Close releases every backend the binding created.
func (b *Binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	synths := b.synths
	rec := b.rec
	b.synths = map[int]tts.Synthesizer{}
	b.rec = nil
	b.mu.Unlock()

	var errs []error
	for _, s := range synths {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Binding) specs(c llm.Capability) []Spec {
	switch c {
	case llm.CapabilityLLM:
		return b.plan.LLM
	case llm.CapabilityTTS:
		return b.plan.TTS
	default:
		return b.plan.STT
	}
}

func (b *Binding) current(c llm.Capability) (int, Spec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.idx[c]
	specs := b.specs(c)
	if i >= len(specs) {
		return i, Spec{}, false
	}
	return i, specs[i], true
}

// advance moves past position i unless another caller already did.
func (b *Binding) advance(c llm.Capability, i int, cause error) {
	b.mu.Lock()
	if b.idx[c] != i {
		b.mu.Unlock()
		return
	}
	b.idx[c] = i + 1
	specs := b.specs(c)
	from := specs[i].String()
	to := "none"
	if i+1 < len(specs) {
		to = specs[i+1].String()
	}
	b.mu.Unlock()

	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	b.sel.logger.Warn("provider_fallback",
		slog.String("call_sid", b.call.CallSID),
		slog.String("capability", string(c)),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("error", reason))
	b.sel.observer.RecordEvent(metrics.NewEvent(metrics.EventProviderFallback, 1, map[string]string{
		"call_sid":   b.call.CallSID,
		"capability": string(c),
		"from":       from,
		"to":         to,
	}))
}

func (b *Binding) exhausted(c llm.Capability) error {
	return errorsx.Wrap(fmt.Errorf("%w: %s", ErrExhausted, c), errorsx.ReasonProviderExhausted)
}

func (b *Binding) llmAt(i int, spec Spec) (llm.LLMAdapter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a := b.llms[i]; a != nil {
		return a, nil
	}
	a, err := b.sel.registry.BuildLLM(spec)
	if err != nil {
		return nil, err
	}
	b.llms[i] = a
	return a, nil
}

func (b *Binding) synthAt(i int, spec Spec) (tts.Synthesizer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := b.synths[i]; s != nil {
		return s, nil
	}
	s, err := b.sel.registry.BuildTTS(spec, tts.Config{
		StreamID:   b.call.StreamID,
		CallSID:    b.call.CallSID,
		Voice:      spec.Voice,
		Model:      spec.Model,
		SampleRate: 8000,
	})
	if err != nil {
		return nil, err
	}
	b.synths[i] = s
	return s, nil
}
