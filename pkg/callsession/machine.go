package callsession

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrHandoffLimit = errors.New("callsession: handoff attempts exhausted")

// StateChange represents a state transition event.
type StateChange struct {
	SessionID string
	From      State
	To        State
	Timestamp time.Time
	Reason    Reason
	Detail    string
}

// StateListener observes session state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(ev StateChange) { f(ev) }

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// Machine enforces the session lifecycle. Every state is entered at most once, except
// ACTIVE which may be re-entered from HANDOFF_REQUESTED, bounded by maxHandoffs.
type Machine struct {
	mu          sync.RWMutex
	sessionID   string
	current     State
	reason      Reason
	reached     map[State]time.Time
	history     []StateChange
	handoffs    int
	maxHandoffs int
	listeners   []StateListener
	now         func() time.Time
}

func NewMachine(sessionID string, maxHandoffs int) *Machine {
	if maxHandoffs <= 0 {
		maxHandoffs = 2
	}
	m := &Machine{
		sessionID:   sessionID,
		current:     StateDispatched,
		reached:     make(map[State]time.Time),
		maxHandoffs: maxHandoffs,
		now:         time.Now,
	}
	m.reached[StateDispatched] = m.now()
	return m
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reason is the termination reason, set once by the first transition that carries one.
func (m *Machine) Reason() Reason {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Reached reports whether the session ever entered s.
func (m *Machine) Reached(s State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.reached[s]
	return ok
}

func (m *Machine) HandoffAttempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handoffs
}

// CanHandoff reports whether another handoff attempt is allowed right now.
func (m *Machine) CanHandoff() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current == StateActive && m.handoffs < m.maxHandoffs
}

func (m *Machine) History() []StateChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]StateChange(nil), m.history...)
}

func (m *Machine) AddListener(l StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Transition moves to the next state. reason may be empty for progress transitions.
func (m *Machine) Transition(to State, reason Reason, detail string) error {
	m.mu.Lock()
	from := m.current
	if !transitionValid(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	if _, seen := m.reached[to]; seen && !handoffCycle(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	if to == StateHandoffRequested {
		if m.handoffs >= m.maxHandoffs {
			m.mu.Unlock()
			return fmt.Errorf("%w: %d of %d", ErrHandoffLimit, m.handoffs, m.maxHandoffs)
		}
		m.handoffs++
	}
	now := m.now()
	m.current = to
	m.reached[to] = now
	if m.reason == ReasonNone && reason != ReasonNone {
		m.reason = reason
	}
	ev := StateChange{
		SessionID: m.sessionID,
		From:      from,
		To:        to,
		Timestamp: now,
		Reason:    reason,
		Detail:    detail,
	}
	m.history = append(m.history, ev)
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l.OnStateChange(ev)
	}
	return nil
}

// Fail moves any non-terminal session to FAILED.
func (m *Machine) Fail(reason Reason, detail string) error {
	return m.Transition(StateFailed, reason, detail)
}

func handoffCycle(from, to State) bool {
	return (from == StateActive && to == StateHandoffRequested) ||
		(from == StateHandoffRequested && to == StateActive)
}
