package tts

import (
	"context"

	"github.com/harunnryd/callorch/pkg/frames"
)

// Synthesizer turns one utterance into telephony audio. Synthesize returns once the
// whole utterance has been emitted, or with the first error. If it fails before emitting
// anything the same text can be retried elsewhere.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string, emit func(frames.AudioFrame) error) error
	Close() error
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	StreamID   string
	CallSID    string
	Voice      string
	Model      string
	SampleRate int
}

// FrameBytes is 20 ms of 8 kHz mu-law, the packet size the media stream expects.
const FrameBytes = 160
