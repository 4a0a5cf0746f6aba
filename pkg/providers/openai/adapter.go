package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/harunnryd/callorch/pkg/configutil"
	"github.com/harunnryd/callorch/pkg/llm"
)

// Base URLs of the chat-completions compatible vendors.
const (
	DefaultBaseURL = "https://api.openai.com/v1"
	GroqBaseURL    = "https://api.groq.com/openai/v1"
	GeminiBaseURL  = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// SettingsSchema lists the keys accepted under providers.<vendor> for every vendor
// this package serves.
var SettingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"base_url", "timeout"},
}

type Settings struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DecodeSettings validates a vendor block; fallbackURL applies when base_url is unset.
func DecodeSettings(vendor string, raw map[string]any, fallbackURL string) (Settings, error) {
	var s Settings
	if err := configutil.Decode(raw, SettingsSchema, &s); err != nil {
		return s, err
	}
	if err := configutil.RequireString(s.APIKey, "providers."+vendor+".api_key"); err != nil {
		return s, err
	}
	if s.BaseURL == "" {
		s.BaseURL = fallbackURL
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	return s, nil
}

// Adapter talks to any chat-completions compatible endpoint. Groq and Gemini are
// served by the same adapter under their own name and base URL.
type Adapter struct {
	Vendor  string
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewAdapter(vendor string, s Settings, model string) *Adapter {
	return &Adapter{
		Vendor:  vendor,
		APIKey:  s.APIKey,
		Model:   model,
		BaseURL: s.BaseURL,
		Client:  &http.Client{Timeout: s.Timeout},
	}
}

func (a *Adapter) Name() string { return a.Vendor }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	body, err := a.buildRequest(input)
	if err != nil {
		return llm.Response{}, llm.Fatal(a.Vendor, llm.CapabilityLLM, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", body)
	if err != nil {
		return llm.Response{}, llm.Fatal(a.Vendor, llm.CapabilityLLM, err)
	}
	applyHeaders(req, a.APIKey, "application/json")
	resp, err := client(a.Client).Do(req)
	if err != nil {
		return llm.Response{}, llm.TransportError(a.Vendor, llm.CapabilityLLM, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return llm.Response{}, llm.HTTPError(a.Vendor, llm.CapabilityLLM, resp.StatusCode, string(raw))
	}
	var payload completion
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, llm.TransportError(a.Vendor, llm.CapabilityLLM, err)
	}
	return payload.response()
}

func (a *Adapter) buildRequest(input llm.Context) (*bytes.Buffer, error) {
	req := map[string]any{
		"model":    a.Model,
		"messages": input.Messages,
	}
	if input.Temperature != nil {
		req["temperature"] = *input.Temperature
	}
	if len(input.Tools) > 0 {
		tools := make([]map[string]any, 0, len(input.Tools))
		for _, t := range input.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Schema,
				},
			})
		}
		req["tools"] = tools
		req["tool_choice"] = "auto"
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

type completion struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c completion) response() (llm.Response, error) {
	if len(c.Choices) == 0 {
		return llm.Response{}, errors.New("openai: no choices")
	}
	first := c.Choices[0]
	out := llm.Response{
		Text:         first.Message.Content,
		FinishReason: first.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     c.Usage.PromptTokens,
			CompletionTokens: c.Usage.CompletionTokens,
			TotalTokens:      c.Usage.TotalTokens,
		},
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}
	for _, tc := range first.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

// EncodeArguments renders tool arguments the way the API expects them back.
func EncodeArguments(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func applyHeaders(req *http.Request, apiKey, contentType string) {
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

func client(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}

var _ llm.LLMAdapter = (*Adapter)(nil)
