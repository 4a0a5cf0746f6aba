package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/callorch/pkg/adapters/tts"
	"github.com/harunnryd/callorch/pkg/frames"
)

type TTSConfig struct {
	Name string
	// Err fails every Synthesize call before any audio is emitted.
	Err error
	// FramesPerText is the number of 160 byte frames emitted per utterance.
	FramesPerText int
}

// TTS emits silent mu-law frames and records what it was asked to say.
type TTS struct {
	cfg TTSConfig
	tc  tts.Config

	mu     sync.Mutex
	spoken []string
}

func NewTTS(cfg TTSConfig, tc tts.Config) *TTS {
	if cfg.Name == "" {
		cfg.Name = "mock"
	}
	if cfg.FramesPerText <= 0 {
		cfg.FramesPerText = 2
	}
	return &TTS{cfg: cfg, tc: tc}
}

func (t *TTS) Name() string { return t.cfg.Name }

func (t *TTS) Synthesize(ctx context.Context, text string, emit func(frames.AudioFrame) error) error {
	if t.cfg.Err != nil {
		return t.cfg.Err
	}
	t.mu.Lock()
	t.spoken = append(t.spoken, text)
	t.mu.Unlock()
	silence := make([]byte, tts.FrameBytes)
	for i := range silence {
		silence[i] = 0xFF
	}
	for i := 0; i < t.cfg.FramesPerText; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := frames.NewAudioFrame(t.tc.StreamID, time.Now().UnixNano(), silence, 8000, 1, map[string]string{
			frames.MetaCodec:    "mulaw",
			frames.MetaProvider: t.cfg.Name,
		})
		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}

// Spoken lists every utterance synthesized so far.
func (t *TTS) Spoken() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.spoken...)
}

func (t *TTS) Close() error { return nil }

var _ tts.Synthesizer = (*TTS)(nil)
