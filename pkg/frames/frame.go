// Package frames is the unit of exchange between the telephony edge and call sessions.
// Every frame carries a presentation timestamp and string metadata; the call SID and
// stream id in that metadata are how the manager routes it.
package frames

import "maps"

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

type ControlCode string

// ControlFlush tells the transport to drop queued outbound audio.
const ControlFlush ControlCode = "flush"

// System frame names emitted by the telephony transport.
const (
	SystemCallStart     = "call_start"
	SystemCallReconnect = "call_reconnect"
	SystemCallEnd       = "call_end"
)

// Metadata keys.
const (
	MetaStreamID      = "stream_id"
	MetaOldStreamID   = "old_stream_id"
	MetaCallSID       = "call_sid"
	MetaTraceID       = "trace_id"
	MetaSource        = "source"
	MetaEncoding      = "encoding"
	MetaCodec         = "codec"
	MetaFormat        = "format"
	MetaCallEndReason = "call_end_reason"
	MetaIsFinal       = "is_final"
	MetaProvider      = "provider"
	MetaListenOnly    = "listen_only"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

type header struct {
	pts  int64
	meta map[string]string
}

func newHeader(streamID string, pts int64, meta map[string]string) header {
	h := header{pts: pts, meta: make(map[string]string, len(meta)+1)}
	maps.Copy(h.meta, meta)
	if streamID != "" {
		h.meta[MetaStreamID] = streamID
	}
	return h
}

func (h header) PTS() int64 { return h.pts }

// Meta returns a copy; frames are shared across goroutines.
func (h header) Meta() map[string]string { return maps.Clone(h.meta) }

// StreamID reads the stream id without copying the metadata.
func (h header) StreamID() string { return h.meta[MetaStreamID] }

// AudioFrame carries 8 kHz mono mu-law telephony audio unless Rate says otherwise.
type AudioFrame struct {
	header
	data []byte
	rate int
	ch   int
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{header: newHeader(streamID, pts, meta), data: data, rate: rate, ch: ch}
}

func (AudioFrame) Kind() Kind { return KindAudio }

// Data returns a copy of the payload.
func (a AudioFrame) Data() []byte { return append([]byte(nil), a.data...) }

// RawPayload returns the payload without copying. Callers must not modify it.
func (a AudioFrame) RawPayload() []byte { return a.data }
func (a AudioFrame) Rate() int          { return a.rate }
func (a AudioFrame) Channels() int      { return a.ch }

// TextFrame carries a transcript segment or text to speak.
type TextFrame struct {
	header
	text string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{header: newHeader(streamID, pts, meta), text: text}
}

func (TextFrame) Kind() Kind     { return KindText }
func (t TextFrame) Text() string { return t.text }
func (t TextFrame) Final() bool  { return t.meta[MetaIsFinal] == "true" }

type ControlFrame struct {
	header
	code ControlCode
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{header: newHeader(streamID, pts, meta), code: code}
}

func (ControlFrame) Kind() Kind          { return KindControl }
func (c ControlFrame) Code() ControlCode { return c.code }

type SystemFrame struct {
	header
	name string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{header: newHeader(streamID, pts, meta), name: name}
}

func (SystemFrame) Kind() Kind     { return KindSystem }
func (s SystemFrame) Name() string { return s.name }
