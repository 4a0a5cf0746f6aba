package metadata

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Dispatch is the metadata attached to an outbound call. Field names follow the JSON
// shape used by dispatch producers, so payloads can be forwarded unchanged.
type Dispatch struct {
	ChatbotID      string            `json:"knowledgebaseId,omitempty"`
	CustomerID     string            `json:"customerId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	UserSessionID  string            `json:"userSessionId,omitempty"`
	Environment    string            `json:"environment,omitempty"`
	LLMName        string            `json:"llmName,omitempty"`
	Voice          string            `json:"voice,omitempty"`
	Namespace      string            `json:"namespace,omitempty"`
	IndexName      string            `json:"indexName,omitempty"`
	CustomPrompt   string            `json:"customPrompt,omitempty"`
	HandoffTarget  string            `json:"handoffTarget,omitempty"`
	Outbound       bool              `json:"is_outbound_call,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Encode renders the dispatch as base64url JSON, suitable for a query parameter.
func (d Dispatch) Encode() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeDispatch parses the output of Encode. Padded input is accepted.
func DecodeDispatch(raw string) (Dispatch, error) {
	var d Dispatch
	raw = strings.TrimRight(strings.TrimSpace(raw), "=")
	if raw == "" {
		return d, fmt.Errorf("empty dispatch payload")
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return d, fmt.Errorf("decode dispatch: %w", err)
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("decode dispatch: %w", err)
	}
	return d, nil
}

// Set assigns a field by its JSON name. Unknown keys land in Extra.
func (d *Dispatch) Set(key, value string) {
	switch key {
	case "knowledgebaseId", "chatbotId", "chatbot_id":
		d.ChatbotID = value
	case "customerId", "customer_id":
		d.CustomerID = value
	case "conversationId":
		d.ConversationID = value
	case "userSessionId":
		d.UserSessionID = value
	case "environment":
		d.Environment = value
	case "llmName":
		d.LLMName = value
	case "voice":
		d.Voice = value
	case "namespace":
		d.Namespace = value
	case "indexName":
		d.IndexName = value
	case "customPrompt":
		d.CustomPrompt = value
	case "handoffTarget":
		d.HandoffTarget = value
	case "is_outbound_call":
		d.Outbound = value == "true" || value == "1"
	default:
		if d.Extra == nil {
			d.Extra = make(map[string]string)
		}
		d.Extra[key] = value
	}
}
