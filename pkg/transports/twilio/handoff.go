package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/handoff"
	"github.com/harunnryd/callorch/pkg/orchestrator"
	"github.com/harunnryd/callorch/pkg/redact"
)

var (
	_ handoff.Bridge         = (*Transport)(nil)
	_ orchestrator.Announcer = (*Transport)(nil)
	_ orchestrator.Sender    = (*Transport)(nil)
)

func (t *Transport) client() (restClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rest != nil {
		return t.rest, nil
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return nil, errors.New("twilio: missing credentials")
	}
	t.rest = newRestClient(t.cfg)
	return t.rest, nil
}

// Dial rings the human agent for a handoff. The agent leg answers into a conference
// named after the caller's call SID and reports its status against ticketID.
func (t *Transport) Dial(ctx context.Context, callSID, target, ticketID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rest, err := t.client()
	if err != nil {
		return "", err
	}
	from := t.cfg.CallerID
	if from == "" {
		from = t.trunkFor(callSID)
	}
	if strings.TrimSpace(target) == "" || from == "" {
		return "", errors.New("twilio: handoff leg needs a target and a caller ID")
	}

	params := &api.CreateCallParams{}
	params.SetTo(target)
	params.SetFrom(from)
	params.SetUrl(t.cfg.publicURL("http", t.cfg.HandoffTwimlPath) + "?" + url.Values{paramRoom: {callSID}}.Encode())
	params.SetStatusCallback(t.cfg.publicURL("http", t.cfg.HandoffStatusPath) + "?" + url.Values{paramLeg: {ticketID}}.Encode())
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	params.SetStatusCallbackMethod("POST")
	params.SetTimeout(t.cfg.HandoffRingSeconds)
	resp, err := rest.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("create handoff leg: %w", err), errorsx.ReasonTransportSend)
	}
	if resp == nil || resp.Sid == nil {
		return "", errors.New("twilio: handoff leg without call sid")
	}
	t.logger.Info("twilio_handoff_dialed", "call_id", callSID, "leg_id", *resp.Sid,
		"ticket_id", ticketID, "target", redact.Phone(target))
	return *resp.Sid, nil
}

// Bridge moves the caller into the agent's conference.
func (t *Transport) Bridge(ctx context.Context, callSID, legID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rest, err := t.client()
	if err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(bridgeTwiml(t.cfg.publicURL("ws", t.cfg.WebsocketPath), callSID))
	if err := updateCall(ctx, rest, callSID, params); err != nil {
		return errorsx.Wrap(fmt.Errorf("bridge %s to %s: %w", callSID, legID, err), errorsx.ReasonTransportSend)
	}
	return nil
}

// Cancel hangs up an agent leg that never bridged.
func (t *Transport) Cancel(ctx context.Context, legID string) error {
	rest, err := t.client()
	if err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if err := updateCall(ctx, rest, legID, params); err != nil {
		return fmt.Errorf("cancel handoff leg %s: %w", legID, err)
	}
	return nil
}

// Announce replaces whatever the call is doing with a spoken message and a hangup.
func (t *Transport) Announce(ctx context.Context, callSID, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rest, err := t.client()
	if err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(sayHangupTwiml(message))
	if err := updateCall(ctx, rest, callSID, params); err != nil {
		return errorsx.Wrap(fmt.Errorf("announce on %s: %w", callSID, err), errorsx.ReasonTransportSend)
	}
	return nil
}

// updateCall runs the REST update but stops waiting once ctx is done. The twilio-go
// client has no context support; an abandoned request finishes in the background.
func updateCall(ctx context.Context, rest restClient, sid string, params *api.UpdateCallParams) error {
	done := make(chan error, 1)
	go func() {
		_, err := rest.UpdateCall(sid, params)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
