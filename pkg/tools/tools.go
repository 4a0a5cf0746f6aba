// Package tools implements the functions the agent model can call during a turn.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/callorch/pkg/llm"
	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/policy"
	"github.com/harunnryd/callorch/pkg/retrieval"
)

const (
	NameSearchKnowledgeBase = "search_knowledge_base"
	NameSearchWeb           = "search_web"
	NameStoreMemory         = "store_long_term_memory_information"
	NameTransferToHuman     = "transfer_to_human"
)

var ErrUnknownTool = errors.New("tools: unknown tool")

type Knowledge interface {
	Retrieve(ctx context.Context, ref metadata.KnowledgeRef, query string, k int) ([]retrieval.Chunk, error)
}

type Memory interface {
	UpsertRealtimeInfo(ctx context.Context, customerID, key, value string) error
}

type WebSearcher interface {
	Search(ctx context.Context, query string) (WebResult, error)
}

type Policy interface {
	AllowTool(ctx context.Context, in policy.ToolInput) (bool, string, error)
}

// Deps are shared by every call.
type Deps struct {
	Knowledge  Knowledge
	Memory     Memory
	Web        WebSearcher
	Policy     Policy
	KnowledgeK int
	Logger     *slog.Logger
}

// Call scopes a tool set to one call.
type Call struct {
	CallSID string
	Config  metadata.AgentConfig
	// LastUtterance supplies the query when the model omits one.
	LastUtterance func() string
	// Transfer asks for a warm handoff and returns what the model should be told.
	Transfer func(ctx context.Context, reason string) string
	// MCP are the customer's remote tools, listed when the call started.
	MCP *MCPTools
}

// Set is the tool registry for one call.
type Set struct {
	deps   Deps
	call   Call
	logger *slog.Logger
}

func New(deps Deps, call Call) *Set {
	if deps.KnowledgeK <= 0 {
		deps.KnowledgeK = 3
	}
	return &Set{deps: deps, call: call, logger: logging.NewComponentLogger(deps.Logger, "tools")}
}

func (s *Set) Tools() []llm.Tool {
	query := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "What to look up, in the caller's words."},
		},
	}
	var out []llm.Tool
	if s.deps.Knowledge != nil && !s.call.Config.Knowledge.Empty() {
		out = append(out, llm.Tool{
			Name:        NameSearchKnowledgeBase,
			Description: "Search the business knowledge base for products, policies and documents.",
			Schema:      query,
		})
	}
	if s.deps.Web != nil {
		out = append(out, llm.Tool{
			Name:        NameSearchWeb,
			Description: "Search the web for current events or facts outside the knowledge base.",
			Schema:      query,
		})
	}
	if s.deps.Memory != nil && s.call.Config.CustomerID != "" {
		out = append(out, llm.Tool{
			Name:        NameStoreMemory,
			Description: "Remember a lasting fact about the caller for future calls.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key":   map[string]any{"type": "string", "description": "Short label, for example favorite_store."},
					"value": map[string]any{"type": "string", "description": "The value to remember."},
				},
				"required": []string{"key", "value"},
			},
		})
	}
	if s.call.Transfer != nil {
		out = append(out, llm.Tool{
			Name:        NameTransferToHuman,
			Description: "Connect the caller with a human team member.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string", "description": "Why the caller needs a person."},
				},
			},
		})
	}
	return append(out, s.call.MCP.Tools()...)
}

// HandleTool runs one tool. Failures inside a tool become text for the model; only an
// unknown tool name is returned as an error.
func (s *Set) HandleTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if s.deps.Policy != nil {
		ok, decision, err := s.deps.Policy.AllowTool(ctx, policy.ToolInput{
			ToolName:      name,
			Args:          args,
			ChatbotID:     s.call.Config.ChatbotID,
			CustomerID:    s.call.Config.CustomerID,
			HandoffTarget: s.call.Config.HandoffTarget,
			MCPServers:    s.call.Config.MCPServers,
		})
		if err != nil {
			s.logger.Warn("tool_policy_failed", "call_sid", s.call.CallSID, "tool", name, "error", err.Error())
		} else if !ok {
			s.logger.Info("tool_blocked", "call_sid", s.call.CallSID, "tool", name, "decision", decision)
			return "This action is not available on this call.", nil
		}
	}
	s.logger.Debug("tool_called", "call_sid", s.call.CallSID, "tool", name)
	switch name {
	case NameSearchKnowledgeBase:
		return s.searchKnowledge(ctx, s.query(args)), nil
	case NameSearchWeb:
		return s.searchWeb(ctx, s.query(args)), nil
	case NameStoreMemory:
		return s.storeMemory(ctx, str(args, "key"), str(args, "value")), nil
	case NameTransferToHuman:
		if s.call.Transfer == nil {
			return "Transfer is not available on this call.", nil
		}
		return s.call.Transfer(ctx, str(args, "reason")), nil
	}
	if s.call.MCP.Has(name) {
		return s.callMCP(ctx, name, args), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

func (s *Set) query(args map[string]any) string {
	q := str(args, "query")
	if q == "" && s.call.LastUtterance != nil {
		q = strings.TrimSpace(s.call.LastUtterance())
	}
	return q
}

func (s *Set) searchKnowledge(ctx context.Context, q string) string {
	if q == "" {
		return "Please specify what to search for in the knowledge base."
	}
	ref := s.call.Config.Knowledge
	if s.deps.Knowledge == nil || ref.Empty() {
		return "Knowledge base is not configured yet. Answer with general knowledge instead."
	}
	chunks, err := s.deps.Knowledge.Retrieve(ctx, ref, q, s.deps.KnowledgeK)
	if err != nil {
		s.logger.Warn("tool_kb_search_failed", "call_sid", s.call.CallSID, "kb", ref.String(), "error", err.Error())
		return fmt.Sprintf("Could not reach the knowledge base. Fall back to general knowledge on %q.", q)
	}
	if len(chunks) == 0 {
		return fmt.Sprintf("No specific information about %q in the knowledge base. Fall back to general knowledge.", q)
	}
	var b strings.Builder
	b.WriteString("Based on your query:\n")
	for _, c := range chunks {
		b.WriteString("\n")
		if c.Page > 0 {
			fmt.Fprintf(&b, "(page %d) ", c.Page)
		}
		b.WriteString(strings.TrimSpace(c.Text))
	}
	return b.String()
}

func (s *Set) searchWeb(ctx context.Context, q string) string {
	if q == "" {
		return "Please specify what to search for."
	}
	if s.deps.Web == nil {
		return "Web search is not available."
	}
	res, err := s.deps.Web.Search(ctx, q)
	if err != nil {
		s.logger.Warn("tool_web_search_failed", "call_sid", s.call.CallSID, "error", err.Error())
		return "I encountered an error while searching the web."
	}
	answer := res.Answer
	if answer == "" {
		answer = "I couldn't find specific information about that."
	}
	return "Here's what I found:\n\n" + answer
}

func (s *Set) callMCP(ctx context.Context, name string, args map[string]any) string {
	out, err := s.call.MCP.Call(ctx, name, args)
	if err != nil {
		s.logger.Warn("tool_mcp_failed", "call_sid", s.call.CallSID, "tool", name, "error", err.Error())
		return "That tool did not respond. Continue without it."
	}
	if out == "" {
		return "The tool finished without returning anything."
	}
	return out
}

func (s *Set) storeMemory(ctx context.Context, key, value string) string {
	if key == "" || value == "" {
		return "Both a key and a value are needed to remember something."
	}
	if s.deps.Memory == nil || s.call.Config.CustomerID == "" {
		return "Memory is not available on this call."
	}
	if err := s.deps.Memory.UpsertRealtimeInfo(ctx, s.call.Config.CustomerID, key, value); err != nil {
		s.logger.Warn("tool_memory_failed", "call_sid", s.call.CallSID, "customer_id", s.call.Config.CustomerID, "error", err.Error())
		return "Failed to store that information."
	}
	return "Stored successfully in memory."
}

func str(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

var _ llm.ToolRegistry = (*Set)(nil)
