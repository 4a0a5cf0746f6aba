package twilio

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/callorch/pkg/frames"
)

// Media stream messages. Twilio sends start, media and stop; the agent sends media and
// clear.
type streamMessage struct {
	Event string        `json:"event"`
	Start *streamStart  `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
	Stop  *streamStop   `json:"stop,omitempty"`
}

type streamStart struct {
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

type streamStop struct {
	Reason string `json:"reason"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type outboundMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     *mediaPayload `json:"media,omitempty"`
}

// stream is one media websocket. A call can reconnect on a new stream; byCall always
// points at the newest.
type stream struct {
	callSID string
	traceID string
	out     *outbox
}

// outbox serializes writes to a websocket. When the queue is full the message is
// dropped; Twilio tolerates gaps in agent audio better than a stalled call.
type outbox struct {
	conn   *websocket.Conn
	queue  chan []byte
	mu     sync.Mutex
	closed bool
}

func newOutbox(conn *websocket.Conn, size int) *outbox {
	return &outbox{conn: conn, queue: make(chan []byte, size)}
}

func (o *outbox) push(msg outboundMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	select {
	case o.queue <- b:
	default:
	}
	return nil
}

func (o *outbox) run() {
	for b := range o.queue {
		if err := o.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func (o *outbox) close() error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()
	if o.conn == nil {
		return nil
	}
	return o.conn.Close()
}

// ServeHTTP upgrades a Twilio media stream and turns its messages into frames until the
// stream stops or the socket drops.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("twilio_ws_upgrade_failed", "error", err.Error())
		return
	}
	defer conn.Close()

	var streamSID string
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg streamMessage
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch msg.Event {
		case "start":
			if msg.Start != nil {
				streamSID = t.onStart(conn, msg.Start)
			}
		case "media":
			if msg.Media != nil {
				t.onMedia(streamSID, msg.Media)
			}
		case "stop":
			reason := ""
			if msg.Stop != nil {
				reason = normalizeCallEndReason(msg.Stop.Reason)
			}
			if reason == "" {
				reason = "completed"
			}
			t.endStream(streamSID, reason)
			return
		}
	}
	if streamSID != "" && t.stream(streamSID) != nil {
		t.endStream(streamSID, normalizeCallEndReason("transport_closed"))
	}
}

func (t *Transport) onStart(conn *websocket.Conn, start *streamStart) string {
	callSID := start.CallSID
	if callSID == "" {
		callSID = start.CustomParameters[paramCallSID]
	}
	s := &stream{callSID: callSID, traceID: uuid.NewString(), out: newOutbox(conn, 256)}
	replaced := t.attach(start.StreamSID, s)
	go s.out.run()

	meta := map[string]string{
		frames.MetaCallSID: callSID,
		frames.MetaTraceID: s.traceID,
		frames.MetaSource:  "transport",
	}
	if start.CustomParameters[paramListenOnly] == "true" {
		meta[frames.MetaListenOnly] = "true"
	}
	name := frames.SystemCallStart
	if replaced != "" {
		name = frames.SystemCallReconnect
		meta[frames.MetaOldStreamID] = replaced
	}
	t.emit(frames.NewSystemFrame(start.StreamSID, time.Now().UnixNano(), name, meta))
	return start.StreamSID
}

func (t *Transport) onMedia(streamSID string, media *mediaPayload) {
	payload, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		return
	}
	meta := t.streamMeta(streamSID)
	meta[frames.MetaEncoding] = "mulaw"
	meta[frames.MetaCodec] = "ulaw"
	meta[frames.MetaFormat] = "ulaw_8000_1ch_8bit"
	t.emit(frames.NewAudioFrame(streamSID, time.Now().UnixNano(), payload, 8000, 1, meta))
}

// endStream reports the end of a stream to the registry and forgets it.
func (t *Transport) endStream(streamSID, reason string) {
	meta := t.streamMeta(streamSID)
	meta[frames.MetaCallEndReason] = reason
	t.emit(frames.NewSystemFrame(streamSID, time.Now().UnixNano(), frames.SystemCallEnd, meta))
	t.detach(streamSID)
}

// attach registers s and returns the stream SID it replaced for the same call, if any.
// The replaced stream is closed.
func (t *Transport) attach(streamSID string, s *stream) string {
	var old *stream
	var oldSID string
	t.mu.Lock()
	if s.callSID != "" {
		if prev := t.byCall[s.callSID]; prev != "" && prev != streamSID {
			oldSID, old = prev, t.streams[prev]
			delete(t.streams, prev)
		}
		t.byCall[s.callSID] = streamSID
	}
	t.streams[streamSID] = s
	t.mu.Unlock()
	if old != nil {
		_ = old.out.close()
	}
	return oldSID
}

func (t *Transport) detach(streamSID string) {
	t.mu.Lock()
	s := t.streams[streamSID]
	delete(t.streams, streamSID)
	if s != nil && t.byCall[s.callSID] == streamSID {
		delete(t.byCall, s.callSID)
	}
	t.mu.Unlock()
	if s != nil {
		_ = s.out.close()
	}
}

func (t *Transport) stream(streamSID string) *stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[streamSID]
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byCall[callSID]
}

func (t *Transport) streamMeta(streamSID string) map[string]string {
	meta := map[string]string{frames.MetaStreamID: streamSID}
	s := t.stream(streamSID)
	if s == nil {
		return meta
	}
	if s.callSID != "" {
		meta[frames.MetaCallSID] = s.callSID
	}
	if s.traceID != "" {
		meta[frames.MetaTraceID] = s.traceID
	}
	return meta
}
