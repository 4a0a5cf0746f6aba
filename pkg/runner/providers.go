package runner

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/harunnryd/callorch/pkg/adapters/stt"
	"github.com/harunnryd/callorch/pkg/adapters/tts"
	"github.com/harunnryd/callorch/pkg/config"
	"github.com/harunnryd/callorch/pkg/configutil"
	"github.com/harunnryd/callorch/pkg/llm"
	"github.com/harunnryd/callorch/pkg/providers/cartesia"
	"github.com/harunnryd/callorch/pkg/providers/deepgram"
	"github.com/harunnryd/callorch/pkg/providers/elevenlabs"
	"github.com/harunnryd/callorch/pkg/providers/mock"
	"github.com/harunnryd/callorch/pkg/providers/openai"
	"github.com/harunnryd/callorch/pkg/selector"
)

const vendorMock = "mock"

var mockSchema = configutil.Schema{
	Optional: []string{"response_text", "transcript", "frames_per_utterance", "frames_per_text"},
}

type mockSettings struct {
	ResponseText       string `mapstructure:"response_text"`
	Transcript         string `mapstructure:"transcript"`
	FramesPerUtterance int    `mapstructure:"frames_per_utterance"`
	FramesPerText      int    `mapstructure:"frames_per_text"`
}

// RegisterProviders decodes every configured vendor block and registers the capabilities
// it serves. Settings are validated here so a bad block fails startup, not the first call.
func RegisterProviders(reg *selector.Registry, providers config.ProvidersConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	names := make([]string, 0, len(providers.Vendors))
	for name := range providers.Vendors {
		names = append(names, name)
	}
	sort.Strings(names)

	vad := openai.VADConfig{
		EnergyThreshold: providers.VAD.EnergyThreshold,
		MinSpeech:       providers.VAD.MinSpeech,
		MinSilence:      providers.VAD.MinSilence,
		Activation:      providers.VAD.Activation,
	}
	for _, name := range names {
		raw := providers.Vendors[name].Settings
		var err error
		switch name {
		case selector.VendorOpenAI:
			err = registerOpenAICompatible(reg, name, raw, openai.DefaultBaseURL, vad, true, logger)
		case selector.VendorGroq:
			err = registerOpenAICompatible(reg, name, raw, openai.GroqBaseURL, vad, true, logger)
		case selector.VendorGemini:
			err = registerOpenAICompatible(reg, name, raw, openai.GeminiBaseURL, vad, false, logger)
		case selector.VendorCartesia:
			err = registerCartesia(reg, raw)
		case selector.VendorElevenLabs:
			err = registerElevenLabs(reg, raw, logger)
		case selector.VendorDeepgram:
			err = registerDeepgram(reg, raw, logger)
		case vendorMock:
			err = registerMock(reg, raw)
		default:
			err = fmt.Errorf("unknown vendor %q", name)
		}
		if err != nil {
			return fmt.Errorf("providers.vendors.%s: %w", name, err)
		}
	}
	for capability, vendors := range reg.Vendors() {
		logger.Info("providers_registered", "capability", string(capability), "vendors", vendors)
	}
	return nil
}

// registerOpenAICompatible serves chat completions, and when audio is set also speech and
// transcription, from one chat-completions compatible endpoint.
func registerOpenAICompatible(reg *selector.Registry, vendor string, raw map[string]any, baseURL string, vad openai.VADConfig, audio bool, logger *slog.Logger) error {
	s, err := openai.DecodeSettings(vendor, raw, baseURL)
	if err != nil {
		return err
	}
	reg.RegisterLLM(vendor, func(spec selector.Spec) (llm.LLMAdapter, error) {
		return openai.NewAdapter(vendor, s, modelOr(spec.Model, vendor, "llm")), nil
	})
	if !audio {
		return nil
	}
	reg.RegisterTTS(vendor, func(spec selector.Spec, cfg tts.Config) (tts.Synthesizer, error) {
		if cfg.Model == "" {
			cfg.Model = selector.DefaultModel(vendor, "tts")
		}
		return openai.NewSpeaker(vendor, s, cfg), nil
	})
	reg.RegisterSTT(vendor, func(spec selector.Spec, cfg stt.Config) (stt.StreamingSTT, error) {
		return openai.NewTranscriber(vendor, s, modelOr(spec.Model, vendor, "stt"), vad, cfg, logger), nil
	})
	return nil
}

func registerCartesia(reg *selector.Registry, raw map[string]any) error {
	s, err := cartesia.DecodeSettings(raw)
	if err != nil {
		return err
	}
	reg.RegisterTTS(selector.VendorCartesia, func(spec selector.Spec, cfg tts.Config) (tts.Synthesizer, error) {
		return cartesia.New(s, cfg), nil
	})
	return nil
}

func registerElevenLabs(reg *selector.Registry, raw map[string]any, logger *slog.Logger) error {
	s, err := elevenlabs.DecodeSettings(raw)
	if err != nil {
		return err
	}
	reg.RegisterTTS(selector.VendorElevenLabs, func(spec selector.Spec, cfg tts.Config) (tts.Synthesizer, error) {
		if cfg.Voice == "" {
			return nil, fmt.Errorf("elevenlabs needs a voice id")
		}
		return elevenlabs.New(s, cfg, logger), nil
	})
	return nil
}

func registerDeepgram(reg *selector.Registry, raw map[string]any, logger *slog.Logger) error {
	s, err := deepgram.DecodeSettings(raw)
	if err != nil {
		return err
	}
	reg.RegisterSTT(selector.VendorDeepgram, func(spec selector.Spec, cfg stt.Config) (stt.StreamingSTT, error) {
		settings := s
		if spec.Model != "" {
			settings.Model = spec.Model
		}
		return deepgram.New(deepgram.Config{Settings: settings, Config: cfg}, logger), nil
	})
	return nil
}

func registerMock(reg *selector.Registry, raw map[string]any) error {
	var s mockSettings
	if err := configutil.Decode(raw, mockSchema, &s); err != nil {
		return err
	}
	reg.RegisterLLM(vendorMock, func(selector.Spec) (llm.LLMAdapter, error) {
		return mock.NewLLM(mock.LLMConfig{Name: vendorMock, ResponseText: s.ResponseText}), nil
	})
	reg.RegisterTTS(vendorMock, func(_ selector.Spec, cfg tts.Config) (tts.Synthesizer, error) {
		return mock.NewTTS(mock.TTSConfig{Name: vendorMock, FramesPerText: s.FramesPerText}, cfg), nil
	})
	reg.RegisterSTT(vendorMock, func(_ selector.Spec, cfg stt.Config) (stt.StreamingSTT, error) {
		return mock.NewSTT(mock.STTConfig{
			Name:               vendorMock,
			Transcript:         s.Transcript,
			FramesPerUtterance: s.FramesPerUtterance,
		}, cfg), nil
	})
	return nil
}

func modelOr(model, vendor, capability string) string {
	if model != "" {
		return model
	}
	return selector.DefaultModel(vendor, capability)
}
