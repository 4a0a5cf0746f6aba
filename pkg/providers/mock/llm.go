package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/callorch/pkg/llm"
)

type LLMConfig struct {
	Name string
	// Script is replayed one response per Generate call; the last entry repeats.
	Script []llm.Response
	// ResponseText is used when Script is empty.
	ResponseText string
	// Err is returned by every call when set.
	Err error
}

// LLM is a scripted adapter for local runs and tests.
type LLM struct {
	cfg LLMConfig

	mu    sync.Mutex
	calls []llm.Context
}

func NewLLM(cfg LLMConfig) *LLM {
	if cfg.Name == "" {
		cfg.Name = "mock"
	}
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLM{cfg: cfg}
}

func (a *LLM) Name() string { return a.cfg.Name }

func (a *LLM) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	a.mu.Lock()
	n := len(a.calls)
	a.calls = append(a.calls, input)
	a.mu.Unlock()
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	if len(a.cfg.Script) == 0 {
		return llm.Response{Text: a.cfg.ResponseText, Usage: llm.Usage{TotalTokens: len(a.cfg.ResponseText)}}, nil
	}
	if n >= len(a.cfg.Script) {
		n = len(a.cfg.Script) - 1
	}
	return a.cfg.Script[n], nil
}

// Calls returns every context passed to Generate so far.
func (a *LLM) Calls() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.calls...)
}

var _ llm.LLMAdapter = (*LLM)(nil)
