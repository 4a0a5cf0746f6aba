package selector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/callorch/pkg/adapters/stt"
	"github.com/harunnryd/callorch/pkg/adapters/tts"
	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/llm"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/metrics"
	"github.com/harunnryd/callorch/pkg/providers/mock"
)

type fixture struct {
	reg  *Registry
	llms map[string]*mock.LLM
	tts  map[string]*mock.TTS
	stt  map[string][]*mock.STT
}

func newFixture() *fixture {
	f := &fixture{
		reg:  NewRegistry(),
		llms: map[string]*mock.LLM{},
		tts:  map[string]*mock.TTS{},
		stt:  map[string][]*mock.STT{},
	}
	return f
}

func (f *fixture) llm(vendor string, cfg mock.LLMConfig) *mock.LLM {
	cfg.Name = vendor
	m := mock.NewLLM(cfg)
	f.llms[vendor] = m
	f.reg.RegisterLLM(vendor, func(Spec) (llm.LLMAdapter, error) { return m, nil })
	return m
}

func (f *fixture) voice(vendor string, cfg mock.TTSConfig) *mock.TTS {
	cfg.Name = vendor
	m := mock.NewTTS(cfg, tts.Config{})
	f.tts[vendor] = m
	f.reg.RegisterTTS(vendor, func(Spec, tts.Config) (tts.Synthesizer, error) { return m, nil })
	return m
}

func (f *fixture) ears(vendor string, cfg mock.STTConfig) {
	cfg.Name = vendor
	f.reg.RegisterSTT(vendor, func(_ Spec, sc stt.Config) (stt.StreamingSTT, error) {
		m := mock.NewSTT(cfg, sc)
		f.stt[vendor] = append(f.stt[vendor], m)
		return m, nil
	})
}

func agentWith(llms, voices, ears []string) metadata.AgentConfig {
	return metadata.AgentConfig{
		ChatbotID: "4207",
		Providers: metadata.ProviderPrefs{LLM: llms, TTS: voices, STT: ears},
	}
}

func noRetry() Config {
	return Config{MaxRetries: 0, RetryBackoff: time.Millisecond, BreakerThreshold: 3, BreakerCooldown: time.Minute}
}

func TestGenerateFallsBackOnce(t *testing.T) {
	f := newFixture()
	f.llm("groq", mock.LLMConfig{Err: llm.HTTPError("groq", llm.CapabilityLLM, 401, "bad key")})
	backup := f.llm("openai", mock.LLMConfig{ResponseText: "hello from backup"})
	f.voice("openai", mock.TTSConfig{})
	f.ears("openai", mock.STTConfig{})
	obs := metrics.NewMemoryObserver()

	sel := New(f.reg, noRetry(), obs, nil)
	b, err := sel.Select(agentWith([]string{"groq", "openai"}, []string{"openai"}, []string{"openai"}), CallInfo{CallSID: "CA1"})
	require.NoError(t, err)

	resp, err := b.Generate(context.Background(), llm.Context{Messages: []map[string]any{llm.UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "hello from backup", resp.Text)
	assert.Equal(t, "openai:gpt-4o-mini", b.Current().LLM)

	resp, err = b.Generate(context.Background(), llm.Context{})
	require.NoError(t, err)
	assert.Equal(t, "hello from backup", resp.Text)
	assert.Len(t, f.llms["groq"].Calls(), 1, "a failed provider is not retried later in the call")
	assert.Len(t, backup.Calls(), 2)

	events := obs.Named(metrics.EventProviderFallback)
	require.Len(t, events, 1)
	assert.Equal(t, "llm", events[0].Tags["capability"])
	assert.Equal(t, "groq:openai/gpt-oss-20b", events[0].Tags["from"])
}

func TestGenerateAppliesSpecTemperature(t *testing.T) {
	f := newFixture()
	m := f.llm("groq", mock.LLMConfig{})
	f.voice("groq", mock.TTSConfig{})
	f.ears("openai", mock.STTConfig{})
	sel := New(f.reg, noRetry(), nil, nil)

	b, err := sel.Select(metadata.AgentConfig{Providers: metadata.ProviderPrefs{Environment: "groq"}}, CallInfo{})
	require.NoError(t, err)
	_, err = b.Generate(context.Background(), llm.Context{})
	require.NoError(t, err)

	calls := m.Calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Temperature)
	assert.InDelta(t, 0.5, *calls[0].Temperature, 0.0001)
}

func TestGenerateExhausted(t *testing.T) {
	f := newFixture()
	f.llm("groq", mock.LLMConfig{Err: errors.New("down")})
	f.llm("openai", mock.LLMConfig{Err: errors.New("down too")})
	f.voice("openai", mock.TTSConfig{})
	f.ears("openai", mock.STTConfig{})
	sel := New(f.reg, noRetry(), nil, nil)

	b, err := sel.Select(agentWith([]string{"groq", "openai"}, nil, nil), CallInfo{})
	require.NoError(t, err)
	_, err = b.Generate(context.Background(), llm.Context{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonProviderExhausted))
	assert.Equal(t, "", b.Current().LLM)
}

func TestGenerateRetriesTransientBeforeFallback(t *testing.T) {
	f := newFixture()
	flaky := f.llm("groq", mock.LLMConfig{Err: llm.HTTPError("groq", llm.CapabilityLLM, 503, "busy")})
	f.llm("openai", mock.LLMConfig{})
	f.voice("openai", mock.TTSConfig{})
	f.ears("openai", mock.STTConfig{})
	cfg := noRetry()
	cfg.MaxRetries = 2
	sel := New(f.reg, cfg, nil, nil)

	b, err := sel.Select(agentWith([]string{"groq", "openai"}, nil, nil), CallInfo{})
	require.NoError(t, err)
	_, err = b.Generate(context.Background(), llm.Context{})
	require.NoError(t, err)
	assert.Len(t, flaky.Calls(), 3)
}

func TestSpeakSendsSameTextToNextVoice(t *testing.T) {
	f := newFixture()
	f.llm("openai", mock.LLMConfig{})
	broken := f.voice("cartesia", mock.TTSConfig{Err: llm.HTTPError("cartesia", llm.CapabilityTTS, 400, "bad voice")})
	backup := f.voice("openai", mock.TTSConfig{FramesPerText: 3})
	f.ears("openai", mock.STTConfig{})
	sel := New(f.reg, noRetry(), nil, nil)

	b, err := sel.Select(agentWith(nil, []string{"cartesia", "openai"}, nil), CallInfo{CallSID: "CA2"})
	require.NoError(t, err)

	var got int
	err = b.Speak(context.Background(), "Your order ships tomorrow.", func(frames.AudioFrame) error {
		got++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	assert.Empty(t, broken.Spoken())
	assert.Equal(t, []string{"Your order ships tomorrow."}, backup.Spoken())
	assert.Equal(t, "openai:alloy", b.Current().TTS)
}

func TestSpeakEmitErrorDoesNotFallBack(t *testing.T) {
	f := newFixture()
	f.llm("openai", mock.LLMConfig{})
	first := f.voice("cartesia", mock.TTSConfig{})
	second := f.voice("openai", mock.TTSConfig{})
	f.ears("openai", mock.STTConfig{})
	sel := New(f.reg, noRetry(), nil, nil)

	b, err := sel.Select(agentWith(nil, []string{"cartesia", "openai"}, nil), CallInfo{})
	require.NoError(t, err)
	hungUp := errors.New("media closed")
	err = b.Speak(context.Background(), "hello", func(frames.AudioFrame) error { return hungUp })
	assert.ErrorIs(t, err, hungUp)
	assert.Len(t, first.Spoken(), 1)
	assert.Empty(t, second.Spoken())
	assert.Contains(t, b.Current().TTS, "cartesia")
}

func TestRecognizerFailoverLeavesOtherCapabilities(t *testing.T) {
	f := newFixture()
	f.llm("openai", mock.LLMConfig{})
	f.voice("openai", mock.TTSConfig{})
	f.ears("openai", mock.STTConfig{})
	f.ears("deepgram", mock.STTConfig{})
	sel := New(f.reg, noRetry(), nil, nil)

	b, err := sel.Select(agentWith(nil, nil, []string{"openai", "deepgram"}), CallInfo{CallSID: "CA3"})
	require.NoError(t, err)
	before := b.Current()

	rec, err := b.Recognizer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "openai", rec.Name())
	again, err := b.Recognizer(context.Background())
	require.NoError(t, err)
	assert.Same(t, rec, again)

	f.stt["openai"][0].Fail(errors.New("socket reset"))
	next, err := b.RecognizerFailed(context.Background(), rec.Err())
	require.NoError(t, err)
	assert.Equal(t, "deepgram", next.Name())

	after := b.Current()
	assert.Equal(t, before.LLM, after.LLM)
	assert.Equal(t, before.TTS, after.TTS)
	assert.Equal(t, "deepgram:nova-2-phonecall", after.STT)

	_, err = b.RecognizerFailed(context.Background(), errors.New("down"))
	assert.ErrorIs(t, err, ErrExhausted)
	require.NoError(t, b.Close())
}

func TestRecognizerStartFailureMovesOn(t *testing.T) {
	f := newFixture()
	f.llm("openai", mock.LLMConfig{})
	f.voice("openai", mock.TTSConfig{})
	f.ears("openai", mock.STTConfig{StartErr: errors.New("handshake")})
	f.ears("deepgram", mock.STTConfig{})
	sel := New(f.reg, noRetry(), nil, nil)

	b, err := sel.Select(agentWith(nil, nil, nil), CallInfo{})
	require.NoError(t, err)
	rec, err := b.Recognizer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "deepgram", rec.Name())
}

func TestSelectDropsUnregisteredVendors(t *testing.T) {
	f := newFixture()
	f.llm("openai", mock.LLMConfig{})
	f.voice("openai", mock.TTSConfig{})
	f.ears("deepgram", mock.STTConfig{})
	sel := New(f.reg, noRetry(), nil, nil)

	b, err := sel.Select(metadata.AgentConfig{Providers: metadata.ProviderPrefs{Environment: "gemini"}}, CallInfo{})
	require.NoError(t, err)
	plan := b.Plan()
	require.Len(t, plan.LLM, 1)
	assert.Equal(t, "openai", plan.LLM[0].Vendor)
	require.Len(t, plan.TTS, 1)
	require.Len(t, plan.STT, 1)
	assert.Equal(t, "deepgram", plan.STT[0].Vendor)
}

func TestSelectFailsWithoutAnyVoice(t *testing.T) {
	f := newFixture()
	f.llm("openai", mock.LLMConfig{})
	f.ears("openai", mock.STTConfig{})
	sel := New(f.reg, noRetry(), nil, nil)

	_, err := sel.Select(metadata.AgentConfig{}, CallInfo{})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonProviderExhausted))
}

func TestOpenBreakerSkipsProvider(t *testing.T) {
	f := newFixture()
	flaky := f.llm("groq", mock.LLMConfig{Err: llm.HTTPError("groq", llm.CapabilityLLM, 503, "busy")})
	f.llm("openai", mock.LLMConfig{})
	f.voice("openai", mock.TTSConfig{})
	f.ears("openai", mock.STTConfig{})
	cfg := noRetry()
	cfg.BreakerThreshold = 1
	sel := New(f.reg, cfg, nil, nil)
	prefs := agentWith([]string{"groq", "openai"}, nil, nil)

	first, err := sel.Select(prefs, CallInfo{CallSID: "CA1"})
	require.NoError(t, err)
	_, err = first.Generate(context.Background(), llm.Context{})
	require.NoError(t, err)
	require.Len(t, flaky.Calls(), 1)

	second, err := sel.Select(prefs, CallInfo{CallSID: "CA2"})
	require.NoError(t, err)
	_, err = second.Generate(context.Background(), llm.Context{})
	require.NoError(t, err)
	assert.Len(t, flaky.Calls(), 1, "open breaker must not reach the provider")
}

func TestDefaultPlanEnvironments(t *testing.T) {
	groq := DefaultPlan(metadata.ProviderPrefs{Environment: "groq", Voice: "Nasser-PlayAI"})
	require.Len(t, groq.LLM, 2)
	assert.Equal(t, VendorGroq, groq.LLM[0].Vendor)
	assert.Equal(t, VendorOpenAI, groq.LLM[1].Vendor)
	assert.Equal(t, "playai-tts-arabic", groq.TTS[0].Model)
	assert.Equal(t, "Nasser-PlayAI", groq.TTS[0].Voice)

	gemini := DefaultPlan(metadata.ProviderPrefs{Environment: "gemini", LLMModel: "gemini-2.0-flash"})
	assert.Equal(t, Spec{Vendor: VendorGemini, Model: "gemini-2.0-flash"}, gemini.LLM[0])
	assert.Equal(t, VendorCartesia, gemini.TTS[0].Vendor)

	openai := DefaultPlan(metadata.ProviderPrefs{Environment: "open ai", Voice: "alloy"})
	require.Len(t, openai.TTS, 1, "identical primary and fallback collapse")
	assert.Equal(t, "gpt-5", openai.LLM[0].Model)

	explicit := DefaultPlan(metadata.ProviderPrefs{Environment: "gemini", STT: []string{"Deepgram:nova-3"}})
	assert.Equal(t, []Spec{{Vendor: VendorDeepgram, Model: "nova-3"}}, explicit.STT)
}
