// Package twilio is the telephony edge: voice webhooks decide admission, the media stream
// websocket carries caller audio in and agent speech out, and the REST API places handoff
// legs, bridges conferences, plays closing announcements and dials outbound dispatches.
package twilio

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callorch/pkg/callsession"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/handoff"
	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/orchestrator"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	CallerID           string   `mapstructure:"caller_id"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	HandoffTwimlPath   string   `mapstructure:"handoff_twiml_path"`
	HandoffStatusPath  string   `mapstructure:"handoff_status_path"`
	HandoffRingSeconds int      `mapstructure:"handoff_ring_seconds"`
	DialRingSeconds    int      `mapstructure:"dial_ring_seconds"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.HandoffTwimlPath == "" {
		c.HandoffTwimlPath = "/handoff/twiml"
	}
	if c.HandoffStatusPath == "" {
		c.HandoffStatusPath = "/handoff/status"
	}
	if c.HandoffRingSeconds <= 0 {
		c.HandoffRingSeconds = 25
	}
	if c.DialRingSeconds <= 0 {
		c.DialRingSeconds = 30
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// publicURL builds an absolute callback URL. scheme is "http" or "ws"; a configured public
// URL is always served over TLS.
func (c Config) publicURL(scheme, path string) string {
	if c.PublicURL != "" {
		return scheme + "s://" + normalizePublicURL(c.PublicURL) + path
	}
	addr := c.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return scheme + "://" + addr + path
}

// CallControl is what the edge reports outside the media stream: calls that ended and
// agent legs that changed state.
type CallControl interface {
	End(callSID string, reason callsession.Reason) bool
	HandoffStatus(ticketID string, ev handoff.LegEvent) bool
}

// Transport serves the Twilio webhooks and media streams for every call on this
// instance. Frames from all streams share one Recv channel.
type Transport struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	rest     restClient

	mu       sync.Mutex
	admitter orchestrator.Admitter
	control  CallControl
	streams  map[string]*stream // by stream SID
	byCall   map[string]string  // call SID to its current stream SID
	trunks   map[string]string  // call SID to the number Twilio answered on

	draining atomic.Bool

	// recvMu guards recv against a send after close.
	recvMu  sync.RWMutex
	recv    chan frames.Frame
	stopped bool
}

func New(cfg Config, logger *slog.Logger) *Transport {
	t := &Transport{
		cfg:     cfg.withDefaults(),
		logger:  logging.NewComponentLogger(logger, "twilio"),
		streams: make(map[string]*stream),
		byCall:  make(map[string]string),
		trunks:  make(map[string]string),
		recv:    make(chan frames.Frame, 512),
	}
	t.upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: t.checkOrigin}
	return t
}

// Bind connects the webhooks to the call registry. Until then rings are refused.
func (t *Transport) Bind(admitter orchestrator.Admitter, control CallControl) {
	t.mu.Lock()
	t.admitter, t.control = admitter, control
	t.mu.Unlock()
}

func (t *Transport) bound() (orchestrator.Admitter, CallControl) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.admitter, t.control
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recv }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.cfg.publicURL("http", t.cfg.VoicePath),
		"status_callback_url": t.cfg.publicURL("http", t.cfg.StatusCallbackPath),
		"media_stream_url":    t.cfg.publicURL("ws", t.cfg.WebsocketPath),
	}
}

// Paths lists the routes Handler serves, for mounting on a shared router.
func (t *Transport) Paths() []string {
	return []string{
		t.cfg.VoicePath,
		t.cfg.WebsocketPath,
		t.cfg.StatusCallbackPath,
		t.cfg.HandoffTwimlPath,
		t.cfg.HandoffStatusPath,
	}
}

func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc(t.cfg.HandoffTwimlPath, t.handleHandoffTwiml)
	mux.HandleFunc(t.cfg.HandoffStatusPath, t.handleHandoffStatus)
	return mux
}

// Start checks credentials. The HTTP listener belongs to the API server.
func (t *Transport) Start(context.Context) error {
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return errors.New("twilio: missing credentials")
	}
	return nil
}

// Stop closes every media stream and then Recv. It is safe to call twice.
func (t *Transport) Stop() error {
	t.draining.Store(true)
	t.mu.Lock()
	open := t.streams
	t.streams, t.byCall = make(map[string]*stream), make(map[string]string)
	t.mu.Unlock()
	for _, s := range open {
		_ = s.out.close()
	}

	t.recvMu.Lock()
	defer t.recvMu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.recv)
	}
	return nil
}

// Send writes agent audio to the stream named in the frame. A flush clears audio Twilio
// has buffered but not yet played. Frames for unknown streams are dropped.
func (t *Transport) Send(f frames.Frame) error {
	var msg outboundMessage
	switch fr := f.(type) {
	case frames.ControlFrame:
		if fr.Code() != frames.ControlFlush {
			return nil
		}
		msg = outboundMessage{Event: "clear", StreamSID: fr.StreamID()}
	case frames.AudioFrame:
		msg = outboundMessage{
			Event:     "media",
			StreamSID: fr.StreamID(),
			Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(fr.RawPayload())},
		}
	default:
		return nil
	}
	s := t.stream(msg.StreamSID)
	if s == nil {
		return nil
	}
	return s.out.push(msg)
}

// emit queues a frame for the registry. It drops the frame when the queue is full or
// the transport has stopped.
func (t *Transport) emit(f frames.Frame) {
	t.recvMu.RLock()
	defer t.recvMu.RUnlock()
	if t.stopped {
		return
	}
	select {
	case t.recv <- f:
	default:
		t.logger.Warn("twilio_frame_dropped", "kind", string(f.Kind()))
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "https://"), "http://")
	return strings.TrimRight(v, "/")
}
