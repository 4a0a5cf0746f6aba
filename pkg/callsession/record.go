package callsession

import "time"

// Providers names the backends currently bound to a call.
type Providers struct {
	LLM string `json:"llm"`
	TTS string `json:"tts"`
	STT string `json:"stt"`
}

// Snapshot is a point-in-time, read-only view of one call.
type Snapshot struct {
	ID              string     `json:"id"`
	Direction       Direction  `json:"direction"`
	State           State      `json:"state"`
	CustomerID      string     `json:"customer_id,omitempty"`
	ChatbotID       string     `json:"chatbot_id,omitempty"`
	From            string     `json:"from,omitempty"`
	To              string     `json:"to,omitempty"`
	ReservationID   string     `json:"reservation_id,omitempty"`
	CreditsHeld     int64      `json:"credits_held"`
	CreditsUsed     int64      `json:"credits_used"`
	Providers       Providers  `json:"providers"`
	HandoffAttempts int        `json:"handoff_attempts"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Reason          Reason     `json:"reason,omitempty"`
}
