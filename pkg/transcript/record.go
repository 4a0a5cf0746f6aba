package transcript

import "time"

type ChatType string

const (
	ChatNormal ChatType = "normal"
	ChatSystem ChatType = "system"
	ChatError  ChatType = "error"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Line is one transcript row.
type Line struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	CustomerID     string    `json:"customer_id"`
	UserSessionID  string    `json:"user_session_id,omitempty"`
	Role           Role      `json:"role"`
	Chat           string    `json:"chat"`
	CharacterCount int       `json:"character_count"`
	Credits        int64     `json:"credits"`
	IsQuestion     bool      `json:"is_question"`
	ChatType       ChatType  `json:"chat_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is a lifecycle entry, such as a state change or a provider fallback.
type Event struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

// Final closes a session's record. It is written once per session.
type Final struct {
	SessionID       string    `json:"session_id"`
	ConversationID  string    `json:"conversation_id"`
	CustomerID      string    `json:"customer_id"`
	ChatbotID       string    `json:"chatbot_id"`
	Direction       string    `json:"direction"`
	State           string    `json:"state"`
	Reason          string    `json:"reason,omitempty"`
	ReservationID   string    `json:"reservation_id,omitempty"`
	CreditsCharged  int64     `json:"credits_charged"`
	CreditsRefunded int64     `json:"credits_refunded"`
	Tokens          int       `json:"tokens"`
	Turns           int       `json:"turns"`
	HandoffAttempts int       `json:"handoff_attempts"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
}

type Kind string

const (
	KindLine  Kind = "line"
	KindEvent Kind = "event"
	KindFinal Kind = "final"
)

// Record is the unit handed to sinks. Exactly one of Line, Event or Final is set.
type Record struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id"`
	Line      *Line  `json:"line,omitempty"`
	Event     *Event `json:"event,omitempty"`
	Final     *Final `json:"final,omitempty"`
}
