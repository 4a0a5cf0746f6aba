package metadata

import (
	"strings"
	"time"
)

// Chatbot is the stored agent definition as read from persistence.
type Chatbot struct {
	ID            string
	CustomerID    string
	Environment   string
	LLMName       string
	Voice         string
	Namespace     string
	IndexName     string
	CustomPrompt  string
	HandoffTarget string
	LLMProviders  []string
	TTSProviders  []string
	STTProviders  []string
	UnitCost      int64
	UpdatedAt     time.Time
}

// ProviderPrefs carries everything the selector needs to bind backends.
type ProviderPrefs struct {
	Environment string   `json:"environment"`
	LLMModel    string   `json:"llm_model,omitempty"`
	Voice       string   `json:"voice,omitempty"`
	LLM         []string `json:"llm,omitempty"`
	TTS         []string `json:"tts,omitempty"`
	STT         []string `json:"stt,omitempty"`
}

// KnowledgeRef points at one namespace of a vector index.
type KnowledgeRef struct {
	Namespace string `json:"namespace"`
	Index     string `json:"index"`
}

func (k KnowledgeRef) Empty() bool { return k.Index == "" }

func (k KnowledgeRef) String() string { return k.Index + "/" + k.Namespace }

type CreditRate struct {
	UnitCost        int64 `json:"unit_cost"`
	TokensPerCredit int   `json:"tokens_per_credit"`
	Minimum         int64 `json:"minimum"`
}

// AgentConfig is the per-call snapshot. Callers must treat it as read-only; slices are
// copied on construction so later store changes cannot leak in.
type AgentConfig struct {
	ChatbotID          string        `json:"chatbot_id"`
	CustomerID         string        `json:"customer_id"`
	ConversationID     string        `json:"conversation_id"`
	UserSessionID      string        `json:"user_session_id,omitempty"`
	CustomInstructions string        `json:"custom_instructions,omitempty"`
	Providers          ProviderPrefs `json:"providers"`
	Knowledge          KnowledgeRef  `json:"knowledge"`
	CreditRate         CreditRate    `json:"credit_rate"`
	MCPServers         []string      `json:"mcp_servers,omitempty"`
	HandoffTarget      string        `json:"handoff_target,omitempty"`
	Outbound           bool          `json:"outbound"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

func normalizeEnvironment(env string) string {
	env = strings.ToLower(strings.TrimSpace(env))
	switch env {
	case "openai", "open_ai", "open-ai":
		return "open ai"
	}
	return env
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return append([]string(nil), in...)
}
