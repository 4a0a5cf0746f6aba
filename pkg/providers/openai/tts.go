package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/callorch/pkg/adapters/tts"
	"github.com/harunnryd/callorch/pkg/audio"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/llm"
)

// Speaker synthesizes through an /audio/speech compatible endpoint (OpenAI, Groq PlayAI).
// The WAV reply is resampled to 8 kHz and mu-law encoded for the media stream.
type Speaker struct {
	Vendor  string
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	Client  *http.Client

	cfg tts.Config
}

func NewSpeaker(vendor string, s Settings, cfg tts.Config) *Speaker {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.TelephonySampleRate
	}
	return &Speaker{
		Vendor:  vendor,
		APIKey:  s.APIKey,
		BaseURL: s.BaseURL,
		Model:   cfg.Model,
		Voice:   cfg.Voice,
		Client:  &http.Client{Timeout: s.Timeout},
		cfg:     cfg,
	}
}

func (s *Speaker) Name() string { return s.Vendor }

func (s *Speaker) Synthesize(ctx context.Context, text string, emit func(frames.AudioFrame) error) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"model":           s.Model,
		"input":           text,
		"voice":           s.Voice,
		"response_format": "wav",
	})
	if err != nil {
		return llm.Fatal(s.Vendor, llm.CapabilityTTS, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return llm.Fatal(s.Vendor, llm.CapabilityTTS, err)
	}
	applyHeaders(req, s.APIKey, "application/json")
	resp, err := client(s.Client).Do(req)
	if err != nil {
		return llm.TransportError(s.Vendor, llm.CapabilityTTS, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.TransportError(s.Vendor, llm.CapabilityTTS, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return llm.HTTPError(s.Vendor, llm.CapabilityTTS, resp.StatusCode, string(raw))
	}
	pcm, rate, err := audio.WAVToPCM(raw)
	if err != nil {
		return llm.Fatal(s.Vendor, llm.CapabilityTTS, err)
	}
	if rate == 0 {
		rate = 24000
	}
	return EmitPCM(ctx, s.cfg, s.Vendor, pcm, rate, emit)
}

func (s *Speaker) Close() error { return nil }

// EmitPCM converts PCM16 at rate into 20 ms mu-law frames and hands them to emit in order.
func EmitPCM(ctx context.Context, cfg tts.Config, vendor string, pcm []byte, rate int, emit func(frames.AudioFrame) error) error {
	ulaw := audio.MuLawEncode(audio.Downsample(pcm, rate, audio.TelephonySampleRate))
	meta := map[string]string{
		frames.MetaCallSID:  cfg.CallSID,
		frames.MetaCodec:    "mulaw",
		frames.MetaProvider: vendor,
	}
	for _, chunk := range audio.Chunk(ulaw, tts.FrameBytes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := frames.NewAudioFrame(cfg.StreamID, time.Now().UnixNano(), chunk, audio.TelephonySampleRate, 1, meta)
		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}

var _ tts.Synthesizer = (*Speaker)(nil)
