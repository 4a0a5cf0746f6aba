package openai

import (
	"time"

	"github.com/harunnryd/callorch/pkg/audio"
)

// VADConfig tunes the energy detector that cuts caller audio into utterances.
type VADConfig struct {
	// EnergyThreshold is the RMS level in [0, 1] above which a 20 ms frame counts as voiced.
	EnergyThreshold float64
	MinSpeech       time.Duration
	MinSilence      time.Duration
	// Activation is the share of voiced frames within MinSpeech needed to open an utterance.
	Activation float64
}

func (c VADConfig) withDefaults() VADConfig {
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 0.02
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = 200 * time.Millisecond
	}
	if c.MinSilence <= 0 {
		c.MinSilence = 1200 * time.Millisecond
	}
	if c.Activation <= 0 || c.Activation > 1 {
		c.Activation = 0.6
	}
	return c
}

const vadFrame = 20 * time.Millisecond

// segmenter accumulates PCM16 at 8 kHz and returns a complete utterance once the caller
// has been quiet for MinSilence.
type segmenter struct {
	cfg        VADConfig
	window     []bool
	preroll    [][]byte
	speaking   bool
	silence    time.Duration
	utterance  []byte
	pending    []byte
	windowSize int
}

func newSegmenter(cfg VADConfig) *segmenter {
	cfg = cfg.withDefaults()
	n := int(cfg.MinSpeech / vadFrame)
	if n < 1 {
		n = 1
	}
	return &segmenter{cfg: cfg, windowSize: n}
}

// push consumes PCM16 mono at 8 kHz and returns a finished utterance or nil.
func (s *segmenter) push(pcm []byte) []byte {
	frameBytes := int(audio.TelephonySampleRate*vadFrame/time.Second) * 2
	s.pending = append(s.pending, pcm...)
	var done []byte
	for len(s.pending) >= frameBytes {
		frame := append([]byte(nil), s.pending[:frameBytes]...)
		s.pending = s.pending[frameBytes:]
		if out := s.step(frame); out != nil {
			done = out
		}
	}
	return done
}

func (s *segmenter) step(frame []byte) []byte {
	voiced := audio.RMSEnergy(frame) >= s.cfg.EnergyThreshold
	s.window = append(s.window, voiced)
	if len(s.window) > s.windowSize {
		s.window = s.window[1:]
	}

	if !s.speaking {
		s.preroll = append(s.preroll, frame)
		if len(s.preroll) > s.windowSize {
			s.preroll = s.preroll[1:]
		}
		if len(s.window) == s.windowSize && s.voicedShare() >= s.cfg.Activation {
			s.speaking = true
			s.silence = 0
			for _, f := range s.preroll {
				s.utterance = append(s.utterance, f...)
			}
			s.preroll = nil
		}
		return nil
	}

	s.utterance = append(s.utterance, frame...)
	if voiced {
		s.silence = 0
		return nil
	}
	s.silence += vadFrame
	if s.silence < s.cfg.MinSilence {
		return nil
	}
	out := s.utterance
	s.utterance = nil
	s.speaking = false
	s.silence = 0
	s.window = nil
	return out
}

func (s *segmenter) voicedShare() float64 {
	if len(s.window) == 0 {
		return 0
	}
	n := 0
	for _, v := range s.window {
		if v {
			n++
		}
	}
	return float64(n) / float64(len(s.window))
}
