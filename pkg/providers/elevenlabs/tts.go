package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callorch/pkg/adapters/tts"
	"github.com/harunnryd/callorch/pkg/audio"
	"github.com/harunnryd/callorch/pkg/configutil"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/llm"
	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/resilience"
)

const providerName = "elevenlabs"

const defaultBaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"

var SettingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model_id", "base_url", "stability", "similarity_boost"},
}

type Settings struct {
	APIKey          string  `mapstructure:"api_key"`
	ModelID         string  `mapstructure:"model_id"`
	BaseURL         string  `mapstructure:"base_url"`
	Stability       float64 `mapstructure:"stability"`
	SimilarityBoost float64 `mapstructure:"similarity_boost"`
}

func DecodeSettings(raw map[string]any) (Settings, error) {
	var s Settings
	if err := configutil.Decode(raw, SettingsSchema, &s); err != nil {
		return s, err
	}
	if err := configutil.RequireString(s.APIKey, "providers.elevenlabs.api_key"); err != nil {
		return s, err
	}
	if s.ModelID == "" {
		s.ModelID = "eleven_flash_v2_5"
	}
	if s.BaseURL == "" {
		s.BaseURL = defaultBaseURL
	}
	if s.Stability == 0 {
		s.Stability = 0.5
	}
	if s.SimilarityBoost == 0 {
		s.SimilarityBoost = 0.8
	}
	return s, nil
}

// Synthesizer opens one stream-input websocket per utterance and asks for ulaw_8000,
// which the media stream plays without transcoding.
type Synthesizer struct {
	settings Settings
	cfg      tts.Config
	logger   *slog.Logger
	dialer   websocket.Dialer
}

func New(s Settings, cfg tts.Config, logger *slog.Logger) *Synthesizer {
	return &Synthesizer{
		settings: s,
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "elevenlabs_tts"),
		dialer:   websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 5 * time.Second},
	}
}

func (s *Synthesizer) Name() string { return providerName }

func (s *Synthesizer) Close() error { return nil }

func (s *Synthesizer) Synthesize(ctx context.Context, text string, emit func(frames.AudioFrame) error) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.cfg.Voice == "" {
		return llm.Fatal(providerName, llm.CapabilityTTS, errors.New("voice id is required"))
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.streamURL(), http.Header{"xi-api-key": []string{s.settings.APIKey}})
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusTooManyRequests {
				return llm.Transient(providerName, llm.CapabilityTTS, resilience.RateLimitError{Provider: providerName, Message: resp.Status})
			}
			return llm.HTTPError(providerName, llm.CapabilityTTS, resp.StatusCode, resp.Status)
		}
		return llm.TransportError(providerName, llm.CapabilityTTS, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.settings.Stability,
				"similarity_boost": s.settings.SimilarityBoost,
			},
		},
		{"text": text + " ", "flush": true},
		{"text": ""},
	}
	for _, m := range messages {
		if err := conn.WriteJSON(m); err != nil {
			return llm.TransportError(providerName, llm.CapabilityTTS, err)
		}
	}

	pending := make([]byte, 0, tts.FrameBytes)
	flush := func(all bool) error {
		for len(pending) >= tts.FrameBytes || (all && len(pending) > 0) {
			n := tts.FrameBytes
			if n > len(pending) {
				n = len(pending)
			}
			f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), pending[:n], audio.TelephonySampleRate, 1, map[string]string{
				frames.MetaCallSID:  s.cfg.CallSID,
				frames.MetaCodec:    "mulaw",
				frames.MetaProvider: providerName,
			})
			pending = pending[n:]
			if err := emit(f); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return flush(true)
			}
			return llm.TransportError(providerName, llm.CapabilityTTS, err)
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("elevenlabs_unparsed_message", slog.Int("bytes", len(data)))
			continue
		}
		if msg.Error != "" {
			return llm.Fatal(providerName, llm.CapabilityTTS, errors.New(msg.Error))
		}
		if msg.Audio != "" {
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return llm.Fatal(providerName, llm.CapabilityTTS, err)
			}
			pending = append(pending, raw...)
			if err := flush(false); err != nil {
				return err
			}
		}
		if msg.IsFinal {
			return flush(true)
		}
	}
}

type streamMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
}

func (s *Synthesizer) streamURL() string {
	q := url.Values{}
	q.Set("model_id", s.settings.ModelID)
	q.Set("output_format", "ulaw_8000")
	q.Set("optimize_streaming_latency", "3")
	return strings.TrimRight(s.settings.BaseURL, "/") + "/" + url.PathEscape(s.cfg.Voice) + "/stream-input?" + q.Encode()
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
