package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/transports"
)

var _ transports.OutboundDialer = (*Dialer)(nil)

// Dialer places outbound dispatch calls via the Twilio REST API. The dispatch travels in
// the voice webhook URL so admission sees it when the callee answers.
type Dialer struct {
	cfg    Config
	client restClient
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial calls to from the trunk from, or from the configured caller ID when from is empty.
// It returns the SID of the new call once Twilio has queued it.
func (d *Dialer) Dial(ctx context.Context, to, from string, dispatch metadata.Dispatch) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params, err := d.callParams(to, from, dispatch)
	if err != nil {
		return "", err
	}
	client := d.client
	if client == nil {
		client = newRestClient(d.cfg)
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio create call: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", errors.New("twilio create call: no call sid in response")
	}
	return *resp.Sid, nil
}

func (d *Dialer) callParams(to, from string, dispatch metadata.Dispatch) (*api.CreateCallParams, error) {
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return nil, errors.New("twilio: missing credentials")
	}
	to, from = strings.TrimSpace(to), strings.TrimSpace(from)
	if from == "" {
		from = d.cfg.CallerID
	}
	if to == "" || from == "" {
		return nil, errors.New("twilio: dial needs both a destination and a caller id")
	}
	dispatch.Outbound = true
	encoded, err := dispatch.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode dispatch: %w", err)
	}
	voiceURL := d.cfg.publicURL("http", d.cfg.VoicePath) + "?" + url.Values{paramDispatch: {encoded}}.Encode()

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(voiceURL)
	params.SetTimeout(d.cfg.DialRingSeconds)
	params.SetStatusCallback(d.cfg.publicURL("http", d.cfg.StatusCallbackPath))
	params.SetStatusCallbackMethod(http.MethodPost)
	return params, nil
}
