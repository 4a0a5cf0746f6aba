package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/callorch/pkg/callsession"
	"github.com/harunnryd/callorch/pkg/driver"
	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/handoff"
	"github.com/harunnryd/callorch/pkg/ledger"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/metrics"
	"github.com/harunnryd/callorch/pkg/prompt"
	"github.com/harunnryd/callorch/pkg/redact"
	"github.com/harunnryd/callorch/pkg/selector"
	"github.com/harunnryd/callorch/pkg/tools"
	"github.com/harunnryd/callorch/pkg/transcript"
)

// Session is one call. Its goroutine is the only writer of the conversation; other
// goroutines only attach media, push audio or end it.
type Session struct {
	id      string
	ev      CallEvent
	m       *Manager
	machine *callsession.Machine
	logger  *slog.Logger
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	decided  chan struct{}
	decision Decision

	attached   chan struct{}
	attachOnce sync.Once
	audio      chan frames.AudioFrame

	mu        sync.Mutex
	reason    callsession.Reason
	streamID  string
	agent     metadata.AgentConfig
	handle    ledger.Handle
	held      bool
	used      int64
	settled   ledger.Settlement
	endedAt   *time.Time
	binding   *selector.Binding
	drv       *driver.Driver
	tr        *transcript.Session
	muted     bool
	settleOne sync.Once
}

func newSession(m *Manager, ev CallEvent) *Session {
	ctx, cancel := context.WithCancel(m.base)
	s := &Session{
		id:       ev.CallSID,
		ev:       ev,
		m:        m,
		machine:  callsession.NewMachine(ev.CallSID, m.cfg.MaxHandoffs),
		logger:   m.logger.With("call_id", ev.CallSID),
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		decided:  make(chan struct{}),
		attached: make(chan struct{}),
		audio:    make(chan frames.AudioFrame, m.cfg.AudioBuffer),
	}
	s.tr = m.deps.Transcript.Session(transcript.SessionInfo{SessionID: s.id})
	s.machine.AddListener(callsession.ListenerFunc(s.onStateChange))
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session is settled and terminal.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() callsession.State { return s.machine.State() }

// End asks the session to stop with reason. The first reason wins.
func (s *Session) End(reason callsession.Reason) {
	s.setReason(reason)
	s.cancel()
}

func (s *Session) setReason(r callsession.Reason) {
	s.mu.Lock()
	if s.reason == callsession.ReasonNone {
		s.reason = r
	}
	s.mu.Unlock()
}

func (s *Session) endReason() callsession.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Attach binds a media stream to the call. A repeated start, as after a reconnect or a
// bridge, only replaces the stream ID.
func (s *Session) Attach(streamID string) {
	s.mu.Lock()
	s.streamID = streamID
	s.mu.Unlock()
	s.attachOnce.Do(func() { close(s.attached) })
}

// PushAudio hands caller audio to the conversation. Audio is dropped when the driver is
// not keeping up or the AI only listens.
func (s *Session) PushAudio(f frames.AudioFrame) {
	select {
	case s.audio <- f:
	default:
	}
}

// SendAudio delivers agent speech on the current stream.
func (s *Session) SendAudio(ctx context.Context, f frames.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	streamID, muted := s.streamID, s.muted
	s.mu.Unlock()
	if muted {
		return nil
	}
	if streamID == "" {
		return errors.New("orchestrator: no media stream")
	}
	out := frames.NewAudioFrame(streamID, f.PTS(), f.RawPayload(), f.Rate(), f.Channels(), map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaCallSID:  s.id,
		frames.MetaCodec:    "mulaw",
	})
	return s.m.deps.Media.Send(out)
}

// Snapshot is a consistent read-only view of the call.
func (s *Session) Snapshot() callsession.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := callsession.Snapshot{
		ID:              s.id,
		Direction:       s.ev.Direction,
		State:           s.machine.State(),
		CustomerID:      s.agent.CustomerID,
		ChatbotID:       s.agent.ChatbotID,
		From:            redact.Phone(s.ev.From),
		To:              redact.Phone(s.ev.To),
		HandoffAttempts: s.machine.HandoffAttempts(),
		StartedAt:       s.started,
		EndedAt:         s.endedAt,
		Reason:          s.machine.Reason(),
		CreditsUsed:     s.used,
	}
	if s.held {
		snap.ReservationID = s.handle.ID
		snap.CreditsHeld = s.handle.Held
	}
	if s.binding != nil {
		snap.Providers = s.binding.Current()
	}
	return snap
}

func (s *Session) decide(d Decision) {
	s.decision = d
	close(s.decided)
}

func (s *Session) run() {
	defer close(s.done)
	defer s.settle()
	defer s.cancel()

	if !s.admit() {
		return
	}
	pc, ok := s.prepare()
	if !ok {
		return
	}
	if !s.awaitMedia() {
		return
	}
	s.converse(pc)
}

// admit resolves the destination and holds credit. It always decides.
func (s *Session) admit() bool {
	ctx := s.ctx
	s.transition(callsession.StateResolvingMetadata, "")
	agent, err := s.m.deps.Resolver.Resolve(ctx, metadata.Request{
		CallID:      s.id,
		TrunkNumber: s.ev.To,
		Dispatch:    s.ev.Dispatch,
	})
	if err != nil {
		s.logger.Info("call_unresolvable", "to", redact.Phone(s.ev.To),
			"reason_code", string(errorsx.Reason(err)), "error", err.Error())
		s.fail(callsession.ReasonUnresolvableDestination, err.Error())
		s.decide(Decision{Verdict: VerdictReject, Reason: callsession.ReasonUnresolvableDestination})
		return false
	}
	s.mu.Lock()
	s.agent = agent
	s.tr = s.m.deps.Transcript.Session(transcript.SessionInfo{
		SessionID:      s.id,
		ConversationID: agent.ConversationID,
		CustomerID:     agent.CustomerID,
		UserSessionID:  agent.UserSessionID,
	})
	s.mu.Unlock()

	s.transition(callsession.StateCheckingCredit, "")
	cctx, cancel := context.WithTimeout(ctx, s.m.cfg.CreditTimeout)
	h, err := s.m.deps.Ledger.Reserve(cctx, agent.CustomerID, s.id, agent.CreditRate.UnitCost)
	cancel()
	if err != nil {
		reason := callsession.ReasonCreditUnavailable
		if errors.Is(err, ledger.ErrInsufficientCredit) {
			reason = callsession.ReasonInsufficientCredit
		} else if errors.Is(err, context.DeadlineExceeded) {
			err = errorsx.Wrap(err, errorsx.ReasonCreditCheckTimeout)
		}
		s.logger.Info("call_declined", "customer_id", agent.CustomerID,
			"reason", string(reason), "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		s.fail(reason, err.Error())
		s.decide(Decision{
			Verdict: VerdictDecline,
			Message: s.m.deps.Assembler.Pack().Messages.InsufficientCredit,
			Reason:  reason,
		})
		return false
	}
	s.mu.Lock()
	s.handle, s.held = h, true
	s.mu.Unlock()
	go s.heartbeat()

	if ctx.Err() != nil {
		// the webhook gave up waiting; the caller never heard an answer
		s.fail(callsession.ReasonInternalError, "admission abandoned")
		s.decide(Decision{Verdict: VerdictReject, Reason: callsession.ReasonInternalError})
		return false
	}
	s.decide(Decision{Verdict: VerdictAdmit})
	return true
}

func (s *Session) prepare() (prompt.Context, bool) {
	ctx := s.ctx
	agent := s.agentConfig()
	s.transition(callsession.StateAssemblingPrompt, "")
	if r := s.m.deps.Retriever; r != nil {
		r.ObserveConfig(agent.Knowledge, agent.UpdatedAt)
	}
	pc, degraded := s.m.deps.Assembler.Assemble(ctx, agent)
	if degraded {
		s.logger.Info("prompt_degraded", "reason_code", string(errorsx.ReasonRetrievalDegraded))
	}

	s.transition(callsession.StateSelectingProviders, "")
	b, err := s.m.deps.Selector.Select(agent, selector.CallInfo{CallSID: s.id, TraceID: s.id})
	if err != nil {
		s.logger.Error("providers_unavailable", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		s.fail(callsession.ReasonProviderExhausted, err.Error())
		s.announce(s.m.deps.Assembler.Pack().Messages.ProviderExhausted)
		return pc, false
	}
	s.mu.Lock()
	s.binding = b
	s.mu.Unlock()
	return pc, true
}

func (s *Session) awaitMedia() bool {
	timer := time.NewTimer(s.m.cfg.MediaAttachTimeout)
	defer timer.Stop()
	select {
	case <-s.attached:
	case <-timer.C:
		s.logger.Warn("media_attach_timeout", "timeout", s.m.cfg.MediaAttachTimeout.String(),
			"reason_code", string(errorsx.ReasonMediaTimeout))
		s.fail(callsession.ReasonMediaTimeout, "media stream never started")
		return false
	case <-s.ctx.Done():
		s.fail(s.reasonOr(callsession.ReasonCallerHangup), "ended before media")
		return false
	}
	s.transition(callsession.StateActive, "")
	return true
}

func (s *Session) converse(pc prompt.Context) {
	ctx := s.ctx
	agent := s.agentConfig()
	pack := s.m.deps.Assembler.Pack()

	deps := driver.Deps{
		Binding:    s.binding,
		Media:      s,
		Meter:      s,
		Transcript: s.transcript(),
		Observer:   s.m.observer,
		Logger:     s.m.deps.Logger,
		Tools: tools.Deps{
			Web:    s.m.deps.Web,
			Logger: s.m.deps.Logger,
		},
	}
	if r := s.m.deps.Retriever; r != nil {
		deps.Knowledge = r
		deps.Tools.Knowledge = r
	}
	if p := s.m.deps.Policy; p != nil {
		deps.Policy = p
		deps.Tools.Policy = p
	}
	if mem := s.m.deps.Memory; mem != nil {
		deps.Tools.Memory = mem
	}
	var remote *tools.MCPTools
	if c := s.m.deps.MCP; c != nil && len(agent.MCPServers) > 0 {
		remote = c.Connect(ctx, s.id, agent.MCPServers)
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			remote.Close(cctx)
		}()
	}
	d := driver.New(s.m.cfg.Driver, deps, driver.Call{
		CallSID:    s.id,
		Config:     agent,
		Prompt:     pc,
		Audio:      s.audio,
		CanHandoff: s.canHandoff,
		MCP:        remote,
	})
	s.mu.Lock()
	s.drv = d
	s.mu.Unlock()

	opening := driver.Opening{Instruction: s.m.deps.Assembler.Greeting(s.memory(ctx, agent.CustomerID))}
	for {
		res, err := s.runDriver(ctx, d, opening)
		if err != nil {
			switch errorsx.Reason(err) {
			case errorsx.ReasonCreditExhausted:
				s.setReason(callsession.ReasonCreditExhausted)
				s.announce(pack.Messages.CreditExhausted)
			case errorsx.ReasonProviderExhausted:
				s.setReason(callsession.ReasonProviderExhausted)
				s.announce(pack.Messages.ProviderExhausted)
			default:
				s.setReason(callsession.ReasonInternalError)
			}
			s.logger.Warn("conversation_ended", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
			return
		}
		if res.Outcome == driver.OutcomeHangup || ctx.Err() != nil {
			s.setReason(callsession.ReasonCallerHangup)
			return
		}
		if s.handoff(ctx, agent, res.HandoffReason) {
			<-ctx.Done()
			s.setReason(callsession.ReasonCallerHangup)
			return
		}
		if ctx.Err() != nil {
			s.setReason(callsession.ReasonCallerHangup)
			return
		}
		opening = driver.Opening{Say: pack.Messages.HandoffUnavailable}
	}
}

type driverResult struct {
	res driver.Result
	err error
}

// runDriver bounds how long a cancelled session waits for the driver to unwind.
func (s *Session) runDriver(ctx context.Context, d *driver.Driver, o driver.Opening) (driver.Result, error) {
	ch := make(chan driverResult, 1)
	go func() {
		res, err := d.Run(ctx, o)
		ch <- driverResult{res: res, err: err}
	}()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
	}
	timer := time.NewTimer(s.m.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-timer.C:
		s.logger.Warn("driver_grace_exceeded", "grace", s.m.cfg.GracePeriod.String())
		return driver.Result{Outcome: driver.OutcomeHangup}, nil
	}
}

func (s *Session) canHandoff() bool {
	return s.m.deps.Handoff != nil && s.agentConfig().HandoffTarget != "" && s.machine.CanHandoff()
}

// handoff runs one transfer attempt and reports whether the caller is now with a person.
// A reverted attempt leaves the AI stream untouched.
func (s *Session) handoff(ctx context.Context, agent metadata.AgentConfig, reason string) bool {
	if err := s.machine.Transition(callsession.StateHandoffRequested, callsession.ReasonNone, reason); err != nil {
		s.logger.Warn("handoff_refused", "error", err.Error())
		return false
	}
	if msg := s.m.deps.Assembler.Pack().Messages.HandoffConnecting; msg != "" && s.binding != nil {
		if err := s.binding.Speak(ctx, msg, func(f frames.AudioFrame) error { return s.SendAudio(ctx, f) }); err != nil {
			s.logger.Debug("handoff_announce_failed", "error", err.Error())
		}
		s.transcript().System(msg)
	}

	ticket := s.m.deps.Handoff.Initiate(ctx, s.id, agent.HandoffTarget, s.machine.HandoffAttempts())
	s.transcript().Event(transcript.Event{
		Name:   "handoff",
		To:     string(ticket.Status()),
		Reason: ticket.Reason(),
		Detail: "attempt " + strconv.Itoa(ticket.Attempt),
	})
	if ticket.Status() == handoff.StatusBridged {
		s.mu.Lock()
		s.muted = true
		streamID := s.streamID
		s.mu.Unlock()
		if streamID != "" {
			_ = s.m.deps.Media.Send(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFlush, nil))
		}
		s.transition(callsession.StateHandedOff, ticket.ID)
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	s.transition(callsession.StateActive, "handoff reverted")
	return false
}

// Meter prices the call's tokens and grows the reservation to cover them.
func (s *Session) Meter(ctx context.Context, tokens int) (int64, error) {
	rate := s.agentConfig().CreditRate
	credits := ledger.CreditsForTokens(tokens, rate.TokensPerCredit, rate.Minimum)

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	for credits > h.Held {
		next, err := s.m.deps.Ledger.Extend(ctx, h, rate.UnitCost)
		if err != nil {
			return credits, errorsx.Wrap(err, errorsx.ReasonCreditExhausted)
		}
		h = next
		s.mu.Lock()
		s.handle = h
		s.mu.Unlock()
	}
	if err := s.m.deps.Ledger.Touch(ctx, h); err != nil {
		s.logger.Debug("ledger_touch_failed", "error", err.Error())
	}
	s.mu.Lock()
	s.used = credits
	s.mu.Unlock()
	return credits, nil
}

// heartbeat touches the reservation until the session ends, so no reaper, local or on
// another instance, takes a call that is quiet on the ledger, such as one handed off.
func (s *Session) heartbeat() {
	every := s.m.cfg.Heartbeat
	if every <= 0 {
		every = s.m.deps.Ledger.Config().StaleAfter / 3
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		h := s.handle
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(s.ctx, s.m.cfg.CreditTimeout)
		err := s.m.deps.Ledger.Touch(ctx, h)
		cancel()
		switch {
		case errors.Is(err, ledger.ErrAlreadySettled):
			return
		case err != nil && s.ctx.Err() == nil:
			s.logger.Debug("ledger_touch_failed", "reservation_id", h.ID, "error", err.Error())
		}
	}
}

// settle closes the reservation and the transcript exactly once, then moves the machine
// to its terminal state. It runs on a fresh context so a cancelled call still settles.
func (s *Session) settle() {
	s.settleOne.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.m.cfg.SettleTimeout)
		defer cancel()

		reason := s.reasonOr(callsession.ReasonCallerHangup)
		if st := s.machine.State(); !st.Terminal() {
			if err := s.machine.Transition(callsession.StateSettling, reason, ""); err != nil {
				s.fail(reason, "settle from "+st.String())
			}
		}
		reason = s.machine.Reason()

		s.mu.Lock()
		h, held, binding := s.handle, s.held, s.binding
		s.mu.Unlock()
		if binding != nil {
			_ = binding.Close()
		}

		tokens, turns := 0, 0
		if d := s.activeDriver(); d != nil {
			tokens, turns = d.Tokens(), d.Turns()
		}
		var settlement ledger.Settlement
		if held {
			var err error
			if s.machine.Reached(callsession.StateActive) && reason != callsession.ReasonProviderExhausted {
				rate := s.agentConfig().CreditRate
				settlement, err = s.m.deps.Ledger.Commit(ctx, h, ledger.CreditsForTokens(tokens, rate.TokensPerCredit, rate.Minimum))
			} else {
				settlement, err = s.m.deps.Ledger.Release(ctx, h)
			}
			if err != nil {
				// the reaper reconciles what could not be settled here
				s.logger.Error("settle_failed", "reservation_id", h.ID,
					"reason_code", string(errorsx.ReasonLedgerInconsistency), "error", err.Error())
			} else {
				s.m.observer.RecordEvent(metrics.NewEvent(metrics.EventCreditsCommitted, float64(settlement.Charged), map[string]string{
					"call_sid": s.id,
					"status":   string(settlement.Status),
				}))
			}
		}

		if s.machine.State() == callsession.StateSettling {
			final := callsession.StateEnded
			if reason.Failure() {
				final = callsession.StateFailed
			}
			if err := s.machine.Transition(final, reason, ""); err != nil {
				s.logger.Error("settle_transition_failed", "error", err.Error())
			}
		}

		now := time.Now()
		agent := s.agentConfig()
		s.mu.Lock()
		s.settled = settlement
		s.endedAt = &now
		s.mu.Unlock()
		if _, err := s.transcript().Finalize(ctx, transcript.Final{
			ChatbotID:       agent.ChatbotID,
			Direction:       string(s.ev.Direction),
			State:           s.machine.State().String(),
			Reason:          string(reason),
			ReservationID:   settlement.ReservationID,
			CreditsCharged:  settlement.Charged,
			CreditsRefunded: settlement.Refunded,
			Tokens:          tokens,
			Turns:           turns,
			HandoffAttempts: s.machine.HandoffAttempts(),
			StartedAt:       s.started,
			EndedAt:         now,
		}); err != nil {
			s.logger.Warn("transcript_finalize_failed", "error", err.Error())
		}
		s.logger.Info("call_settled", "state", s.machine.State().String(), "reason", string(reason),
			"charged", settlement.Charged, "refunded", settlement.Refunded, "tokens", tokens)
	})
}

func (s *Session) transition(to callsession.State, detail string) {
	if err := s.machine.Transition(to, callsession.ReasonNone, detail); err != nil {
		s.logger.Error("session_transition_failed", "to", to.String(), "error", err.Error())
	}
}

func (s *Session) fail(reason callsession.Reason, detail string) {
	s.setReason(reason)
	if err := s.machine.Fail(reason, detail); err != nil {
		s.logger.Debug("session_fail_ignored", "error", err.Error())
	}
}

func (s *Session) reasonOr(fallback callsession.Reason) callsession.Reason {
	if r := s.endReason(); r != callsession.ReasonNone {
		return r
	}
	return fallback
}

func (s *Session) announce(msg string) {
	if s.m.deps.Announcer == nil || msg == "" {
		return
	}
	s.transcript().System(msg)
	ctx, cancel := context.WithTimeout(context.Background(), s.m.cfg.GracePeriod)
	defer cancel()
	if err := s.m.deps.Announcer.Announce(ctx, s.id, msg); err != nil {
		s.logger.Warn("announce_failed", "error", err.Error())
	}
}

func (s *Session) memory(ctx context.Context, customerID string) map[string]string {
	if s.m.deps.Memory == nil || customerID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.m.cfg.CreditTimeout)
	defer cancel()
	info, err := s.m.deps.Memory.RealtimeInfo(ctx, customerID)
	if err != nil {
		s.logger.Debug("realtime_info_unavailable", "error", err.Error())
		return nil
	}
	return info
}

func (s *Session) onStateChange(ev callsession.StateChange) {
	s.logger.Info("session_state_changed", "from", ev.From.String(), "to", ev.To.String(), "reason", string(ev.Reason))
	s.m.observer.RecordEvent(metrics.NewEvent(metrics.EventSessionState, 1, map[string]string{
		"call_sid": s.id,
		"from":     ev.From.String(),
		"to":       ev.To.String(),
		"reason":   string(ev.Reason),
	}))
	s.transcript().Event(transcript.Event{
		Name:   metrics.EventSessionState,
		From:   ev.From.String(),
		To:     ev.To.String(),
		Reason: string(ev.Reason),
		Detail: ev.Detail,
		Time:   ev.Timestamp,
	})
}

func (s *Session) agentConfig() metadata.AgentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

func (s *Session) transcript() *transcript.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

func (s *Session) activeDriver() *driver.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drv
}
