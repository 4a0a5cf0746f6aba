// Package stt is the recognizer contract the selector binds per call.
package stt

import (
	"context"

	"github.com/harunnryd/callorch/pkg/frames"
)

// StreamingSTT turns caller audio into transcript frames for one call.
type StreamingSTT interface {
	Name() string
	// Start opens the recognizer. It must not block past ctx.
	Start(ctx context.Context) error
	// SendAudio forwards 8 kHz mu-law caller audio.
	SendAudio(frame frames.AudioFrame) error
	// Results yields TextFrames with MetaIsFinal set on the last segment of an utterance.
	// It closes when the recognizer stops.
	Results() <-chan frames.Frame
	// Err is why Results closed, or nil after Close.
	Err() error
	Close() error
}

// Config identifies the call a recognizer serves and the audio it will receive.
type Config struct {
	StreamID   string
	CallSID    string
	TraceID    string
	SampleRate int
	Language   string
}
