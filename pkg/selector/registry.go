package selector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/callorch/pkg/adapters/stt"
	"github.com/harunnryd/callorch/pkg/adapters/tts"
	"github.com/harunnryd/callorch/pkg/llm"
)

// Spec names one concrete backend for a capability.
type Spec struct {
	Vendor      string
	Model       string
	Voice       string
	Temperature *float64
}

func (s Spec) String() string {
	switch {
	case s.Voice != "":
		return s.Vendor + ":" + s.Voice
	case s.Model != "":
		return s.Vendor + ":" + s.Model
	}
	return s.Vendor
}

type LLMFactory func(spec Spec) (llm.LLMAdapter, error)
type TTSFactory func(spec Spec, cfg tts.Config) (tts.Synthesizer, error)
type STTFactory func(spec Spec, cfg stt.Config) (stt.StreamingSTT, error)

// Registry maps vendor names to constructors. It is filled once at startup and read
// concurrently afterwards.
type Registry struct {
	llm map[string]LLMFactory
	tts map[string]TTSFactory
	stt map[string]STTFactory
}

func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]LLMFactory),
		tts: make(map[string]TTSFactory),
		stt: make(map[string]STTFactory),
	}
}

func (r *Registry) RegisterLLM(vendor string, f LLMFactory) { r.llm[key(vendor)] = f }
func (r *Registry) RegisterTTS(vendor string, f TTSFactory) { r.tts[key(vendor)] = f }
func (r *Registry) RegisterSTT(vendor string, f STTFactory) { r.stt[key(vendor)] = f }

func (r *Registry) BuildLLM(spec Spec) (llm.LLMAdapter, error) {
	f := r.llm[key(spec.Vendor)]
	if f == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", spec.Vendor)
	}
	return f(spec)
}

func (r *Registry) BuildTTS(spec Spec, cfg tts.Config) (tts.Synthesizer, error) {
	f := r.tts[key(spec.Vendor)]
	if f == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", spec.Vendor)
	}
	return f(spec, cfg)
}

func (r *Registry) BuildSTT(spec Spec, cfg stt.Config) (stt.StreamingSTT, error) {
	f := r.stt[key(spec.Vendor)]
	if f == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", spec.Vendor)
	}
	return f(spec, cfg)
}

func (r *Registry) has(capability llm.Capability, vendor string) bool {
	switch capability {
	case llm.CapabilityLLM:
		return r.llm[key(vendor)] != nil
	case llm.CapabilityTTS:
		return r.tts[key(vendor)] != nil
	case llm.CapabilitySTT:
		return r.stt[key(vendor)] != nil
	}
	return false
}

// Vendors lists registered vendor names per capability, for startup logs.
func (r *Registry) Vendors() map[llm.Capability][]string {
	out := map[llm.Capability][]string{}
	for k := range r.llm {
		out[llm.CapabilityLLM] = append(out[llm.CapabilityLLM], k)
	}
	for k := range r.tts {
		out[llm.CapabilityTTS] = append(out[llm.CapabilityTTS], k)
	}
	for k := range r.stt {
		out[llm.CapabilitySTT] = append(out[llm.CapabilitySTT], k)
	}
	for _, v := range out {
		sort.Strings(v)
	}
	return out
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
