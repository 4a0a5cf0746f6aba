// Package orchestrator owns every call end to end: admission, credit, prompt and provider
// setup, the conversation, handoff and settlement.
package orchestrator

import (
	"context"
	"time"

	"github.com/harunnryd/callorch/pkg/callsession"
	"github.com/harunnryd/callorch/pkg/driver"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/metadata"
)

// CallEvent is a ring or an answered outbound dispatch, as reported by the telephony edge.
type CallEvent struct {
	CallSID   string
	From      string
	To        string
	Direction callsession.Direction
	Dispatch  *metadata.Dispatch
}

// Verdict is how the telephony edge should answer the call.
type Verdict int

const (
	VerdictAdmit Verdict = iota
	// VerdictReject refuses the call without answering it.
	VerdictReject
	// VerdictDecline answers, plays Message and hangs up.
	VerdictDecline
)

func (v Verdict) String() string {
	switch v {
	case VerdictAdmit:
		return "admit"
	case VerdictReject:
		return "reject"
	case VerdictDecline:
		return "decline"
	}
	return "unknown"
}

type Decision struct {
	Verdict Verdict
	Message string
	Reason  callsession.Reason
}

// Admitter decides synchronously whether a call is answered.
type Admitter interface {
	Admit(ctx context.Context, ev CallEvent) (Decision, error)
}

// Sender delivers frames to the telephony edge.
type Sender interface {
	Send(f frames.Frame) error
}

// Announcer plays a closing message to the caller and hangs up, independently of the
// call's speech providers.
type Announcer interface {
	Announce(ctx context.Context, callSID, message string) error
}

// Memory reads and writes what the agent remembers about a customer.
type Memory interface {
	RealtimeInfo(ctx context.Context, customerID string) (map[string]string, error)
	UpsertRealtimeInfo(ctx context.Context, customerID, key, value string) error
}

type Config struct {
	AdmissionTimeout   time.Duration `mapstructure:"admission"`
	CreditTimeout      time.Duration `mapstructure:"credit"`
	MediaAttachTimeout time.Duration `mapstructure:"media_attach"`
	GracePeriod        time.Duration `mapstructure:"grace"`
	SettleTimeout      time.Duration `mapstructure:"settle"`
	Retain             time.Duration `mapstructure:"retain"`
	AudioBuffer        int           `mapstructure:"audio_buffer"`
	MaxHandoffs        int           `mapstructure:"max_handoffs"`
	// Heartbeat is how often a live call touches its reservation. Zero means a third of
	// the ledger's stale window.
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	Driver    driver.Config `mapstructure:"driver"`
}

func (c Config) WithDefaults() Config {
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = 8 * time.Second
	}
	if c.CreditTimeout <= 0 {
		c.CreditTimeout = 3 * time.Second
	}
	if c.MediaAttachTimeout <= 0 {
		c.MediaAttachTimeout = 15 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Second
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 10 * time.Second
	}
	if c.Retain <= 0 {
		c.Retain = 10 * time.Minute
	}
	if c.AudioBuffer <= 0 {
		c.AudioBuffer = 256
	}
	if c.MaxHandoffs <= 0 {
		c.MaxHandoffs = 2
	}
	return c
}
