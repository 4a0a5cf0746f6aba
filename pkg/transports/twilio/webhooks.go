package twilio

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/callorch/pkg/callsession"
	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/handoff"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/orchestrator"
	"github.com/harunnryd/callorch/pkg/redact"
)

// verify rejects webhooks that are not a POST or lack a valid Twilio signature. It writes
// the response itself and reports whether the handler may continue.
func (t *Transport) verify(w http.ResponseWriter, r *http.Request, post bool) bool {
	if post && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if t.cfg.AuthToken != "" && !t.validSignature(r) {
		t.logger.Warn("twilio_invalid_signature", "path", r.URL.Path,
			"reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return false
	}
	return true
}

// handleVoice answers a ring. An outbound leg we dialed carries its dispatch in the
// webhook query; anything else is inbound.
func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if !t.verify(w, r, true) {
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	admitter, _ := t.bound()
	if admitter == nil {
		writeTwiml(w, rejectTwiml())
		return
	}

	ev := orchestrator.CallEvent{
		CallSID:   r.FormValue("CallSid"),
		From:      r.FormValue("From"),
		To:        r.FormValue("To"),
		Direction: callsession.DirectionInbound,
	}
	if ev.CallSID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if raw := r.URL.Query().Get(paramDispatch); raw != "" {
		d, err := metadata.DecodeDispatch(raw)
		if err != nil {
			t.logger.Warn("twilio_dispatch_invalid", "call_id", ev.CallSID, "error", err.Error())
		} else {
			// on an outbound call the trunk is the caller ID we dialed from
			ev.Dispatch = &d
			ev.Direction = callsession.DirectionOutbound
			ev.From, ev.To = ev.To, ev.From
		}
	}
	t.mu.Lock()
	t.trunks[ev.CallSID] = ev.To
	t.mu.Unlock()

	d, err := admitter.Admit(r.Context(), ev)
	if err != nil {
		t.logger.Warn("twilio_admission_failed", "call_id", ev.CallSID, "error", err.Error())
		writeTwiml(w, rejectTwiml())
		return
	}
	t.logger.Info("twilio_call_answered", "call_id", ev.CallSID, "from", redact.Phone(ev.From),
		"to", redact.Phone(ev.To), "verdict", d.Verdict.String())
	switch d.Verdict {
	case orchestrator.VerdictAdmit:
		writeTwiml(w, connectTwiml(t.websocketURL(r), ev.CallSID))
	case orchestrator.VerdictDecline:
		writeTwiml(w, sayHangupTwiml(d.Message))
	default:
		writeTwiml(w, rejectTwiml())
	}
}

// handleStatusCallback ends the session once Twilio reports a terminal call status.
// Progress statuses are acknowledged and ignored.
func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if !t.verify(w, r, true) {
		return
	}
	defer w.WriteHeader(http.StatusOK)
	if r.ParseForm() != nil {
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		return
	}
	t.logger.Info("twilio_call_ended", "call_id", callSID, "call_end_reason", reason)
	if _, control := t.bound(); control != nil {
		control.End(callSID, callsession.ReasonCallerHangup)
	}
	if streamSID := t.streamForCall(callSID); streamSID != "" {
		t.endStream(streamSID, reason)
	}
	t.mu.Lock()
	delete(t.trunks, callSID)
	t.mu.Unlock()
}

// handleHandoffTwiml parks the answering agent in the caller's conference room.
func (t *Transport) handleHandoffTwiml(w http.ResponseWriter, r *http.Request) {
	if !t.verify(w, r, false) {
		return
	}
	room := r.URL.Query().Get(paramRoom)
	if room == "" {
		writeTwiml(w, hangupTwiml())
		return
	}
	writeTwiml(w, agentConferenceTwiml(room))
}

// handleHandoffStatus forwards agent leg progress to the handoff ticket named in the
// callback URL.
func (t *Transport) handleHandoffStatus(w http.ResponseWriter, r *http.Request) {
	if !t.verify(w, r, true) {
		return
	}
	defer w.WriteHeader(http.StatusOK)
	if r.ParseForm() != nil {
		return
	}
	ticketID := r.URL.Query().Get(paramLeg)
	status := strings.ToLower(strings.TrimSpace(r.FormValue("CallStatus")))
	var ev handoff.LegEvent
	switch status {
	case "in-progress", "answered":
		ev = handoff.LegJoined
	case "busy", "no-answer", "failed", "canceled":
		ev = handoff.LegDeclined
	default:
		return
	}
	delivered := false
	if _, control := t.bound(); control != nil && ticketID != "" {
		delivered = control.HandoffStatus(ticketID, ev)
	}
	t.logger.Info("twilio_handoff_leg_status", "ticket_id", ticketID, "leg_id", r.FormValue("CallSid"),
		"status", status, "delivered", delivered)
}

func (t *Transport) trunkFor(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trunks[callSID]
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return t.cfg.publicURL("ws", t.cfg.WebsocketPath)
	}
	return "wss://" + t.host(r) + t.cfg.WebsocketPath
}

func (t *Transport) host(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	return strings.TrimPrefix(t.cfg.ServerAddr, ":")
}

func (t *Transport) validSignature(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

// requestURL rebuilds the URL Twilio signed. Behind a proxy that is the public URL.
func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = r.Header.Get("X-Forwarded-Proto")
	}
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + t.host(r) + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if t.cfg.AllowAnyOrigin || origin == "" {
		return true
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		switch {
		case a == "":
		case strings.Contains(a, "://"):
			if strings.EqualFold(a, origin) {
				return true
			}
		case strings.EqualFold(a, host):
			return true
		}
	}
	return false
}

// normalizeCallEndReason maps Twilio call statuses and stream stop reasons onto a small
// set. It returns "" for statuses that are not terminal.
func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "initiated", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	}
	return "unknown"
}
