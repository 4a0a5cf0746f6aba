// Package policy evaluates the rego rules that decide when a caller is handed to a human
// and which tools the agent may call.
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/rego"
)

const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// TurnInput describes one finished caller utterance.
type TurnInput struct {
	Utterance       string `json:"utterance"`
	ChatbotID       string `json:"chatbot_id"`
	CustomerID      string `json:"customer_id"`
	HandoffTarget   string `json:"handoff_target"`
	HandoffAttempts int    `json:"handoff_attempts"`
	Turn            int    `json:"turn"`
}

// ToolInput describes a tool call the model asked for.
type ToolInput struct {
	ToolName      string         `json:"tool_name"`
	Args          map[string]any `json:"args"`
	ChatbotID     string         `json:"chatbot_id"`
	CustomerID    string         `json:"customer_id"`
	HandoffTarget string         `json:"handoff_target"`
	// MCPServers are the customer's registered MCP server URLs.
	MCPServers []string `json:"mcp_servers,omitempty"`
}

// Engine holds the prepared queries. It is safe for concurrent use.
type Engine struct {
	handoff rego.PreparedEvalQuery
	tool    rego.PreparedEvalQuery
}

// NewEngine compiles module, which must define data.callorch.handoff (bool) and
// data.callorch.tool ("allow" or "block").
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	if strings.TrimSpace(module) == "" {
		module = DefaultPolicy
	}
	handoff, err := rego.New(
		rego.Query("data.callorch.handoff"),
		rego.Module("callorch.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare handoff rule: %w", err)
	}
	tool, err := rego.New(
		rego.Query("data.callorch.tool"),
		rego.Module("callorch.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare tool rule: %w", err)
	}
	return &Engine{handoff: handoff, tool: tool}, nil
}

// LoadEngine reads a rego file. An empty path uses DefaultPolicy.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewEngine(ctx, string(b))
}

// ShouldHandoff reports whether the utterance asks for a human.
func (e *Engine) ShouldHandoff(ctx context.Context, in TurnInput) (bool, error) {
	in.Utterance = strings.ToLower(in.Utterance)
	results, err := e.handoff.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate handoff rule: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	v, _ := results[0].Expressions[0].Value.(bool)
	return v, nil
}

// AllowTool returns the tool decision. Anything other than "block" is treated as allow.
func (e *Engine) AllowTool(ctx context.Context, in ToolInput) (bool, string, error) {
	results, err := e.tool.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, "", fmt.Errorf("failed to evaluate tool rule: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return true, DecisionAllow, nil
	}
	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return true, DecisionAllow, nil
	}
	return s != DecisionBlock, s, nil
}

// DefaultPolicy hands off on explicit requests for a person, and blocks transfers when
// the agent has nowhere to send the caller.
const DefaultPolicy = `
package callorch

default handoff = false

handoff_phrases = [
	"speak to a human",
	"talk to a human",
	"speak with a human",
	"real person",
	"human agent",
	"live agent",
	"speak to someone",
	"talk to someone",
	"speak to a person",
	"talk to a person",
	"representative",
	"operator",
]

handoff {
	input.handoff_target != ""
	phrase := handoff_phrases[_]
	contains(input.utterance, phrase)
}

default tool = "allow"

tool = "block" {
	input.tool_name == "transfer_to_human"
	input.handoff_target == ""
}
`
