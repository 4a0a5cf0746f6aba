package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callorch/pkg/callsession"
	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/handoff"
	"github.com/harunnryd/callorch/pkg/ledger"
	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/metrics"
	"github.com/harunnryd/callorch/pkg/policy"
	"github.com/harunnryd/callorch/pkg/prompt"
	"github.com/harunnryd/callorch/pkg/retrieval"
	"github.com/harunnryd/callorch/pkg/selector"
	"github.com/harunnryd/callorch/pkg/tools"
	"github.com/harunnryd/callorch/pkg/transcript"
)

var ErrInvalidEvent = errors.New("orchestrator: call event without call SID")

// Deps are the shared collaborators. Retriever, Handoff, Policy, Memory, Web, MCP and
// Announcer are optional.
type Deps struct {
	Resolver   *metadata.Resolver
	Ledger     *ledger.Client
	Retriever  *retrieval.Retriever
	Assembler  *prompt.Assembler
	Selector   *selector.Selector
	Handoff    *handoff.Coordinator
	Policy     *policy.Engine
	Memory     Memory
	Web        tools.WebSearcher
	MCP        *tools.MCPConnector
	Transcript *transcript.Logger
	Announcer  Announcer
	Media      Sender
	Observer   metrics.Observer
	Logger     *slog.Logger
}

// Manager is the registry of calls, keyed by call SID. A call SID maps to one session for
// the lifetime of the process's retention window, which makes ring retries idempotent.
type Manager struct {
	cfg      Config
	deps     Deps
	observer metrics.Observer
	logger   *slog.Logger

	base     context.Context
	stop     context.CancelFunc
	sessions sync.Map
	live     atomic.Int64
	draining atomic.Bool
	wg       sync.WaitGroup
}

func NewManager(cfg Config, deps Deps) *Manager {
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Transcript == nil {
		deps.Transcript = transcript.New(transcript.Config{}, nil, deps.Logger)
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg.WithDefaults(),
		deps:     deps,
		observer: deps.Observer,
		logger:   logging.NewComponentLogger(deps.Logger, "orchestrator"),
		base:     base,
		stop:     stop,
	}
}

// Admit creates the session for ev, or finds the one a previous delivery created, and
// waits for its admission decision.
func (m *Manager) Admit(ctx context.Context, ev CallEvent) (Decision, error) {
	if ev.CallSID == "" {
		return Decision{Verdict: VerdictReject}, ErrInvalidEvent
	}
	if ev.Direction == "" {
		ev.Direction = callsession.DirectionInbound
		if ev.Dispatch != nil {
			ev.Direction = callsession.DirectionOutbound
		}
	}
	start := time.Now()
	s, created := m.getOrCreate(ev)
	if s == nil {
		m.logger.Info("call_refused_draining", "call_id", ev.CallSID)
		return Decision{Verdict: VerdictReject, Reason: callsession.ReasonShutdown}, nil
	}
	if !created {
		m.logger.Info("call_duplicate", "call_id", ev.CallSID,
			"state", s.State().String(), "reason_code", string(errorsx.ReasonSessionDuplicate))
	}

	timer := time.NewTimer(m.cfg.AdmissionTimeout)
	defer timer.Stop()
	var d Decision
	select {
	case <-s.decided:
		d = s.decision
	case <-timer.C:
		m.logger.Warn("admission_timeout", "call_id", ev.CallSID, "timeout", m.cfg.AdmissionTimeout.String())
		s.End(callsession.ReasonInternalError)
		d = Decision{Verdict: VerdictReject, Reason: callsession.ReasonInternalError}
	case <-ctx.Done():
		return Decision{Verdict: VerdictReject}, ctx.Err()
	}
	if created {
		m.observer.RecordEvent(metrics.NewEvent(metrics.EventAdmission, metrics.Since(start), map[string]string{
			"call_sid": ev.CallSID,
			"verdict":  d.Verdict.String(),
		}))
	}
	return d, nil
}

func (m *Manager) getOrCreate(ev CallEvent) (*Session, bool) {
	if v, ok := m.sessions.Load(ev.CallSID); ok {
		return v.(*Session), false
	}
	if m.draining.Load() {
		return nil, false
	}
	s := newSession(m, ev)
	actual, loaded := m.sessions.LoadOrStore(ev.CallSID, s)
	if loaded {
		s.cancel()
		return actual.(*Session), false
	}
	m.live.Add(1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run()
		m.live.Add(-1)
		time.AfterFunc(m.cfg.Retain, func() { m.sessions.CompareAndDelete(ev.CallSID, s) })
	}()
	return s, true
}

func (m *Manager) session(callSID string) *Session {
	if v, ok := m.sessions.Load(callSID); ok {
		return v.(*Session)
	}
	return nil
}

// Attach binds a started media stream to its call.
func (m *Manager) Attach(callSID, streamID string) bool {
	s := m.session(callSID)
	if s == nil {
		return false
	}
	s.Attach(streamID)
	return true
}

// End stops a call because the telephony edge reported it over.
func (m *Manager) End(callSID string, reason callsession.Reason) bool {
	s := m.session(callSID)
	if s == nil {
		return false
	}
	s.End(reason)
	return true
}

// Route dispatches one frame from the telephony edge to its call.
func (m *Manager) Route(f frames.Frame) {
	meta := f.Meta()
	s := m.session(meta[frames.MetaCallSID])
	if s == nil {
		return
	}
	switch fr := f.(type) {
	case frames.AudioFrame:
		s.PushAudio(fr)
	case frames.SystemFrame:
		switch fr.Name() {
		case frames.SystemCallStart, frames.SystemCallReconnect:
			s.Attach(meta[frames.MetaStreamID])
		case frames.SystemCallEnd:
			// a stream also stops when a handoff moves the caller; only an active
			// conversation treats it as the caller leaving
			if st := s.State(); st != callsession.StateHandoffRequested && st != callsession.StateHandedOff {
				s.End(callsession.ReasonCallerHangup)
			}
		}
	}
}

// Serve routes frames from in until it is closed or ctx ends.
func (m *Manager) Serve(ctx context.Context, in <-chan frames.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			m.Route(f)
		}
	}
}

// HandoffStatus forwards an agent leg status to the coordinator.
func (m *Manager) HandoffStatus(ticketID string, ev handoff.LegEvent) bool {
	if m.deps.Handoff == nil {
		return false
	}
	return m.deps.Handoff.Notify(ticketID, ev)
}

// Get returns the snapshot of a known call, live or recently ended.
func (m *Manager) Get(callSID string) (callsession.Snapshot, bool) {
	s := m.session(callSID)
	if s == nil {
		return callsession.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// List returns the live calls, oldest first.
func (m *Manager) List() []callsession.Snapshot {
	var out []callsession.Snapshot
	m.sessions.Range(func(_, v any) bool {
		snap := v.(*Session).Snapshot()
		if !snap.State.Terminal() {
			out = append(out, snap)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// IsLive reports whether a session still owns its reservation. The ledger reaper skips
// reservations of live sessions.
func (m *Manager) IsLive(sessionID string) bool {
	s := m.session(sessionID)
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (m *Manager) Live() int64 { return m.live.Load() }

func (m *Manager) Draining() bool { return m.draining.Load() }

// Drain stops admitting calls and waits for live ones to finish. When ctx ends first the
// remaining calls are cancelled with reason shutdown; Drain returns after they settle.
func (m *Manager) Drain(ctx context.Context) error {
	m.draining.Store(true)
	if m.WaitForEmpty(ctx, 200*time.Millisecond) {
		return nil
	}
	m.logger.Warn("drain_timeout", "live", m.live.Load())
	m.sessions.Range(func(_, v any) bool {
		v.(*Session).End(callsession.ReasonShutdown)
		return true
	})
	m.stop()
	m.wg.Wait()
	return ctx.Err()
}

func (m *Manager) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if m.live.Load() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
