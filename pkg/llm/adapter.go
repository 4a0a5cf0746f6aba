package llm

import "context"

type Tool struct {
	Name        string
	Description string
	Schema      any
}

// Context is the provider-neutral conversation. Messages use the chat-completions
// shape ({"role": ..., "content": ...}), which every bound provider accepts.
type Context struct {
	Messages    []map[string]any
	Tools       []Tool
	Temperature *float64
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
	ToolCalls    []ToolCall
}

type LLMAdapter interface {
	Name() string
	Generate(ctx context.Context, input Context) (Response, error)
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Message helpers keep the map shape in one place.
func SystemMessage(text string) map[string]any {
	return map[string]any{"role": "system", "content": text}
}

func UserMessage(text string) map[string]any {
	return map[string]any{"role": "user", "content": text}
}

func AssistantMessage(text string) map[string]any {
	return map[string]any{"role": "assistant", "content": text}
}

// AssistantToolCalls records the model's tool requests so results can follow them.
func AssistantToolCalls(text string, calls []ToolCall, encode func(map[string]any) string) map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		out = append(out, map[string]any{
			"id":   c.ID,
			"type": "function",
			"function": map[string]any{
				"name":      c.Name,
				"arguments": encode(c.Arguments),
			},
		})
	}
	msg := map[string]any{"role": "assistant", "tool_calls": out}
	if text != "" {
		msg["content"] = text
	}
	return msg
}

func ToolResultMessage(callID, content string) map[string]any {
	return map[string]any{"role": "tool", "tool_call_id": callID, "content": content}
}
