package runner

import (
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/harunnryd/callorch/pkg/adapters/tts"
	"github.com/harunnryd/callorch/pkg/config"
	"github.com/harunnryd/callorch/pkg/llm"
	"github.com/harunnryd/callorch/pkg/selector"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterProvidersByVendor(t *testing.T) {
	reg := selector.NewRegistry()
	err := RegisterProviders(reg, config.ProvidersConfig{Vendors: map[string]config.VendorConfig{
		"openai":   {Settings: map[string]any{"api_key": "sk-1"}},
		"gemini":   {Settings: map[string]any{"api_key": "g-1"}},
		"deepgram": {Settings: map[string]any{"api_key": "dg-1"}},
		"cartesia": {Settings: map[string]any{"api_key": "ca-1"}},
		"mock":     {},
	}}, quietLogger())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got := reg.Vendors()
	want := map[llm.Capability][]string{
		llm.CapabilityLLM: {"gemini", "mock", "openai"},
		llm.CapabilityTTS: {"cartesia", "mock", "openai"},
		llm.CapabilitySTT: {"deepgram", "mock", "openai"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("vendors = %v, want %v", got, want)
	}

	adapter, err := reg.BuildLLM(selector.Spec{Vendor: "gemini"})
	if err != nil {
		t.Fatalf("build gemini: %v", err)
	}
	if adapter.Name() != "gemini" {
		t.Fatalf("adapter name = %q", adapter.Name())
	}
	if _, err := reg.BuildTTS(selector.Spec{Vendor: "mock"}, tts.Config{CallSID: "CA1"}); err != nil {
		t.Fatalf("build mock tts: %v", err)
	}
}

func TestRegisterProvidersRejectsBadBlocks(t *testing.T) {
	cases := map[string]struct {
		vendors map[string]config.VendorConfig
		want    string
	}{
		"unknown vendor": {
			vendors: map[string]config.VendorConfig{"acme": {}},
			want:    `unknown vendor "acme"`,
		},
		"missing key": {
			vendors: map[string]config.VendorConfig{"groq": {Settings: map[string]any{"base_url": "http://x"}}},
			want:    "providers.vendors.groq",
		},
		"unknown setting": {
			vendors: map[string]config.VendorConfig{"mock": {Settings: map[string]any{"colour": "blue"}}},
			want:    "unknown: colour",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := RegisterProviders(selector.NewRegistry(), config.ProvidersConfig{Vendors: tc.vendors}, quietLogger())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want it to contain %q", err, tc.want)
			}
		})
	}
}

func TestElevenLabsNeedsVoice(t *testing.T) {
	reg := selector.NewRegistry()
	if err := RegisterProviders(reg, config.ProvidersConfig{Vendors: map[string]config.VendorConfig{
		"elevenlabs": {Settings: map[string]any{"api_key": "el-1"}},
	}}, quietLogger()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.BuildTTS(selector.Spec{Vendor: "elevenlabs"}, tts.Config{}); err == nil {
		t.Fatalf("expected an error without a voice id")
	}
	if _, err := reg.BuildTTS(selector.Spec{Vendor: "elevenlabs", Voice: "v1"}, tts.Config{Voice: "v1"}); err != nil {
		t.Fatalf("build: %v", err)
	}
}
