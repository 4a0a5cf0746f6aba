// Package handoff moves a live call from the AI agent to a human and back when the human
// never arrives.
package handoff

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRequested Status = "requested"
	StatusBridging  Status = "bridging"
	StatusBridged   Status = "bridged"
	StatusFailed    Status = "failed"
	StatusReverted  Status = "reverted"
)

// Terminal reports whether a ticket in this status is finished.
func (s Status) Terminal() bool { return s == StatusBridged || s == StatusReverted }

var ticketTransitions = map[Status][]Status{
	StatusRequested: {StatusBridging, StatusFailed},
	StatusBridging:  {StatusBridged, StatusFailed},
	StatusFailed:    {StatusReverted},
}

// TicketChange is one entry of a ticket's history.
type TicketChange struct {
	From   Status
	To     Status
	Reason string
	At     time.Time
}

// Ticket is one transfer attempt.
type Ticket struct {
	ID        string
	SessionID string
	Target    string
	Attempt   int
	LegID     string

	mu      sync.Mutex
	status  Status
	reason  string
	history []TicketChange
	created time.Time
	ended   time.Time
}

func newTicket(sessionID, target string, attempt int) *Ticket {
	return &Ticket{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Target:    target,
		Attempt:   attempt,
		status:    StatusRequested,
		created:   time.Now(),
	}
}

func (t *Ticket) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Reason is the cause of the first failure, empty for a bridged ticket.
func (t *Ticket) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *Ticket) History() []TicketChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TicketChange(nil), t.history...)
}

// Duration is the time from request to the terminal status, or to now while in flight.
func (t *Ticket) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended.IsZero() {
		return time.Since(t.created)
	}
	return t.ended.Sub(t.created)
}

func (t *Ticket) move(to Status, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ok := false
	for _, s := range ticketTransitions[t.status] {
		if s == to {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	now := time.Now()
	t.history = append(t.history, TicketChange{From: t.status, To: to, Reason: reason, At: now})
	t.status = to
	if reason != "" && t.reason == "" {
		t.reason = reason
	}
	if to.Terminal() {
		t.ended = now
	}
	return true
}
