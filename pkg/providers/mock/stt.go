package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/callorch/pkg/adapters/stt"
	"github.com/harunnryd/callorch/pkg/frames"
)

type STTConfig struct {
	Name string
	// Transcript, when set, is emitted once after FramesPerUtterance audio frames.
	Transcript         string
	FramesPerUtterance int
	// StartErr fails Start.
	StartErr error
}

// STT is a recognizer whose utterances are pushed by the caller or triggered by audio.
type STT struct {
	cfg STTConfig
	sc  stt.Config

	mu      sync.Mutex
	out     chan frames.Frame
	frames  int
	started bool
	closed  bool
	err     error
}

func NewSTT(cfg STTConfig, sc stt.Config) *STT {
	if cfg.Name == "" {
		cfg.Name = "mock"
	}
	if cfg.FramesPerUtterance <= 0 {
		cfg.FramesPerUtterance = 50
	}
	return &STT{cfg: cfg, sc: sc, out: make(chan frames.Frame, 16)}
}

func (s *STT) Name() string { return s.cfg.Name }

func (s *STT) Start(ctx context.Context) error {
	if s.cfg.StartErr != nil {
		return s.cfg.StartErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *STT) SendAudio(frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return errors.New("mock stt: not running")
	}
	s.frames++
	emit := s.cfg.Transcript != "" && s.frames%s.cfg.FramesPerUtterance == 0
	s.mu.Unlock()
	if emit {
		s.Push(s.cfg.Transcript)
	}
	return nil
}

// Push delivers a final utterance as if the caller had said it.
func (s *STT) Push(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out <- frames.NewTextFrame(s.sc.StreamID, time.Now().UnixNano(), text, map[string]string{
		frames.MetaCallSID:  s.sc.CallSID,
		frames.MetaSource:   "stt",
		frames.MetaProvider: s.cfg.Name,
		frames.MetaIsFinal:  "true",
	})
}

// Fail stops the recognizer as a vendor outage would.
func (s *STT) Fail(err error) {
	s.stop(err)
}

func (s *STT) Results() <-chan frames.Frame { return s.out }

func (s *STT) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *STT) Close() error {
	s.stop(nil)
	return nil
}

func (s *STT) stop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.out)
}

// Frames reports how many audio frames were received.
func (s *STT) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

var _ stt.StreamingSTT = (*STT)(nil)
