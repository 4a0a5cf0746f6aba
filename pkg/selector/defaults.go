package selector

import (
	"strings"

	"github.com/harunnryd/callorch/pkg/metadata"
)

// Plan is the ordered fallback list per capability for one call.
type Plan struct {
	LLM []Spec
	TTS []Spec
	STT []Spec
}

// Vendor names known to the default plans.
const (
	VendorOpenAI     = "openai"
	VendorGroq       = "groq"
	VendorGemini     = "gemini"
	VendorCartesia   = "cartesia"
	VendorElevenLabs = "elevenlabs"
	VendorDeepgram   = "deepgram"
)

// Environments accepted in agent configs.
const (
	EnvGroq   = "groq"
	EnvGemini = "gemini"
	EnvOpenAI = "open ai"
)

var groqArabicVoices = map[string]bool{
	"Ahmad-PlayAI":  true,
	"Amira-PlayAI":  true,
	"Khalid-PlayAI": true,
	"Nasser-PlayAI": true,
}

// DefaultModel is the model a vendor uses for a capability when the plan does not name one.
func DefaultModel(vendor string, capability string) string {
	switch key(vendor) + "/" + capability {
	case VendorOpenAI + "/llm":
		return "gpt-4o-mini"
	case VendorGroq + "/llm":
		return "openai/gpt-oss-20b"
	case VendorGemini + "/llm":
		return "gemini-2.5-flash"
	case VendorOpenAI + "/tts":
		return "gpt-4o-mini-tts"
	case VendorGroq + "/tts":
		return "playai-tts"
	case VendorCartesia + "/tts":
		return "sonic-2"
	case VendorElevenLabs + "/tts":
		return "eleven_flash_v2_5"
	case VendorOpenAI + "/stt":
		return "whisper-1"
	case VendorGroq + "/stt":
		return "whisper-large-v3-turbo"
	case VendorDeepgram + "/stt":
		return "nova-2-phonecall"
	}
	return ""
}

func defaultVoice(vendor string) string {
	switch key(vendor) {
	case VendorOpenAI:
		return "alloy"
	case VendorGroq:
		return "Fritz-PlayAI"
	case VendorCartesia:
		return "f786b574-daa5-4673-aa0c-cbe3e8534c02"
	}
	return ""
}

// DefaultPlan derives the provider lists for prefs. Explicit lists in prefs win; entries
// are "vendor" or "vendor:model" (LLM, STT) and "vendor:voice" (TTS). Otherwise the
// environment picks the primary and OpenAI is the shared fallback.
func DefaultPlan(prefs metadata.ProviderPrefs) Plan {
	var p Plan
	if len(prefs.LLM) > 0 {
		for _, e := range prefs.LLM {
			vendor, model := split(e)
			p.LLM = append(p.LLM, Spec{Vendor: vendor, Model: firstOf(model, DefaultModel(vendor, "llm"))})
		}
	} else {
		p.LLM = envLLM(prefs.Environment, prefs.LLMModel)
	}
	if len(prefs.TTS) > 0 {
		for _, e := range prefs.TTS {
			vendor, voice := split(e)
			p.TTS = append(p.TTS, ttsSpec(vendor, firstOf(voice, defaultVoice(vendor))))
		}
	} else {
		p.TTS = envTTS(prefs.Environment, prefs.Voice)
	}
	if len(prefs.STT) > 0 {
		for _, e := range prefs.STT {
			vendor, model := split(e)
			p.STT = append(p.STT, Spec{Vendor: vendor, Model: firstOf(model, DefaultModel(vendor, "stt"))})
		}
	} else {
		p.STT = []Spec{
			{Vendor: VendorOpenAI, Model: DefaultModel(VendorOpenAI, "stt")},
			{Vendor: VendorDeepgram, Model: DefaultModel(VendorDeepgram, "stt")},
		}
	}
	p.LLM = dedupe(p.LLM)
	p.TTS = dedupe(p.TTS)
	p.STT = dedupe(p.STT)
	return p
}

func envLLM(env, model string) []Spec {
	fallback := Spec{Vendor: VendorOpenAI, Model: DefaultModel(VendorOpenAI, "llm")}
	switch env {
	case EnvGemini:
		return []Spec{{Vendor: VendorGemini, Model: firstOf(model, "gemini-2.5-flash")}, fallback}
	case EnvOpenAI:
		return []Spec{{Vendor: VendorOpenAI, Model: firstOf(model, "gpt-5")}, fallback}
	default:
		temp := 0.5
		return []Spec{{Vendor: VendorGroq, Model: firstOf(model, "openai/gpt-oss-20b"), Temperature: &temp}, fallback}
	}
}

func envTTS(env, voice string) []Spec {
	fallback := ttsSpec(VendorOpenAI, "alloy")
	switch env {
	case EnvGemini:
		return []Spec{ttsSpec(VendorCartesia, firstOf(voice, defaultVoice(VendorCartesia))), fallback}
	case EnvOpenAI:
		return []Spec{ttsSpec(VendorOpenAI, firstOf(voice, "alloy")), fallback}
	default:
		return []Spec{ttsSpec(VendorGroq, firstOf(voice, defaultVoice(VendorGroq))), fallback}
	}
}

func ttsSpec(vendor, voice string) Spec {
	s := Spec{Vendor: key(vendor), Voice: voice, Model: DefaultModel(vendor, "tts")}
	if s.Vendor == VendorGroq && groqArabicVoices[voice] {
		s.Model = "playai-tts-arabic"
	}
	return s
}

func split(entry string) (string, string) {
	vendor, rest, _ := strings.Cut(strings.TrimSpace(entry), ":")
	return key(vendor), strings.TrimSpace(rest)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func dedupe(in []Spec) []Spec {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		k := s.Vendor + "|" + s.Model + "|" + s.Voice
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}
