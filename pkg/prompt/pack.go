// Package prompt builds the system prompt a call starts with and rebuilds it whenever
// new knowledge is retrieved. Template text lives in a YAML pack that can be overridden
// per deployment.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_pack.yaml
var defaultPack []byte

type Messages struct {
	InsufficientCredit string `yaml:"insufficient_credit"`
	ProviderExhausted  string `yaml:"provider_exhausted"`
	CreditExhausted    string `yaml:"credit_exhausted"`
	HandoffUnavailable string `yaml:"handoff_unavailable"`
	HandoffConnecting  string `yaml:"handoff_connecting"`
}

// Pack is the full set of prompt templates and caller-facing lines.
type Pack struct {
	RealtimePrompt     string   `yaml:"realtimePrompt"`
	ToolUsage          string   `yaml:"tool_usage_instructions"`
	Greeting           string   `yaml:"greeting"`
	GreetingWithMemory string   `yaml:"greeting_with_memory"`
	KnowledgeHeader    string   `yaml:"knowledge_header"`
	Messages           Messages `yaml:"messages"`
}

// DefaultPack returns the embedded pack.
func DefaultPack() Pack {
	var p Pack
	if err := yaml.Unmarshal(defaultPack, &p); err != nil {
		panic(fmt.Sprintf("prompt: embedded pack: %v", err))
	}
	return p
}

// LoadPack overlays the file at path on the embedded defaults. Keys missing from the
// file keep their default text. An empty path returns the defaults.
func LoadPack(path string) (Pack, error) {
	p := DefaultPack()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Pack{}, fmt.Errorf("read prompt pack: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Pack{}, fmt.Errorf("parse prompt pack %s: %w", path, err)
	}
	if !strings.Contains(p.RealtimePrompt, "{customMasterInstructions}") {
		return Pack{}, fmt.Errorf("prompt pack %s: realtimePrompt must contain {customMasterInstructions}", path)
	}
	return p, nil
}
