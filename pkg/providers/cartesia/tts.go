// Package cartesia synthesizes telephony audio through Cartesia's /tts/bytes endpoint.
package cartesia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/callorch/pkg/adapters/tts"
	"github.com/harunnryd/callorch/pkg/audio"
	"github.com/harunnryd/callorch/pkg/configutil"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/llm"
)

const (
	providerName   = "cartesia"
	defaultBaseURL = "https://api.cartesia.ai"
	apiVersion     = "2025-04-16"
)

var SettingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model_id", "base_url", "language", "timeout"},
}

type Settings struct {
	APIKey   string        `mapstructure:"api_key"`
	ModelID  string        `mapstructure:"model_id"`
	BaseURL  string        `mapstructure:"base_url"`
	Language string        `mapstructure:"language"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func DecodeSettings(raw map[string]any) (Settings, error) {
	var s Settings
	if err := configutil.Decode(raw, SettingsSchema, &s); err != nil {
		return s, err
	}
	if err := configutil.RequireString(s.APIKey, "providers.cartesia.api_key"); err != nil {
		return s, err
	}
	if s.ModelID == "" {
		s.ModelID = "sonic-2"
	}
	if s.BaseURL == "" {
		s.BaseURL = defaultBaseURL
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	return s, nil
}

type Synthesizer struct {
	settings Settings
	cfg      tts.Config
	client   *http.Client
}

func New(s Settings, cfg tts.Config) *Synthesizer {
	return &Synthesizer{settings: s, cfg: cfg, client: &http.Client{Timeout: s.Timeout}}
}

func (s *Synthesizer) Name() string { return providerName }

func (s *Synthesizer) Close() error { return nil }

type request struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceSpec    `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
	Language     string       `json:"language,omitempty"`
}

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// Synthesize asks for raw pcm_mulaw at 8 kHz so the reply is already in wire format.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, emit func(frames.AudioFrame) error) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.cfg.Voice == "" {
		return llm.Fatal(providerName, llm.CapabilityTTS, errors.New("voice id is required"))
	}
	model := s.settings.ModelID
	if s.cfg.Model != "" {
		model = s.cfg.Model
	}
	body, err := json.Marshal(request{
		ModelID:    model,
		Transcript: text,
		Voice:      voiceSpec{Mode: "id", ID: s.cfg.Voice},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_mulaw",
			SampleRate: audio.TelephonySampleRate,
		},
		Language: s.settings.Language,
	})
	if err != nil {
		return llm.Fatal(providerName, llm.CapabilityTTS, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.settings.BaseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return llm.Fatal(providerName, llm.CapabilityTTS, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.settings.APIKey)
	req.Header.Set("Cartesia-Version", apiVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return llm.TransportError(providerName, llm.CapabilityTTS, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		raw, _ := io.ReadAll(resp.Body)
		return llm.HTTPError(providerName, llm.CapabilityTTS, resp.StatusCode, string(raw))
	}

	// The body streams as it is generated; forward whole frames as they arrive.
	buf := make([]byte, tts.FrameBytes)
	meta := map[string]string{
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaCodec:    "mulaw",
		frames.MetaProvider: providerName,
	}
	for {
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), append([]byte(nil), buf[:n]...), audio.TelephonySampleRate, 1, meta)
			if emitErr := emit(f); emitErr != nil {
				return emitErr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return llm.TransportError(providerName, llm.CapabilityTTS, err)
		}
	}
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
