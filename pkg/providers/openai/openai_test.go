package openai

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harunnryd/callorch/pkg/adapters/stt"
	"github.com/harunnryd/callorch/pkg/adapters/tts"
	"github.com/harunnryd/callorch/pkg/audio"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/llm"
	"github.com/harunnryd/callorch/pkg/resilience"
)

func testSettings(url string) Settings {
	return Settings{APIKey: "sk-test", BaseURL: url, Timeout: 5 * time.Second}
}

func TestGenerateParsesToolCallsAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth %q", got)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["temperature"] != 0.5 {
			t.Errorf("temperature not forwarded: %v", req["temperature"])
		}
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"tool_calls","message":{"content":"","tool_calls":[{"id":"c1","function":{"name":"search_knowledge_base","arguments":"{\"query\":\"hours\"}"}}]}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer srv.Close()

	temp := 0.5
	a := NewAdapter("groq", testSettings(srv.URL), "openai/gpt-oss-20b")
	resp, err := a.Generate(context.Background(), llm.Context{
		Messages:    []map[string]any{llm.UserMessage("when are you open?")},
		Tools:       []llm.Tool{{Name: "search_knowledge_base"}},
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["query"] != "hours" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if a.Name() != "groq" {
		t.Fatalf("unexpected name %s", a.Name())
	}
}

func TestGenerateClassifiesStatus(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"x"}`))
	}))
	defer srv.Close()

	a := NewAdapter("openai", testSettings(srv.URL), "gpt-4o-mini")
	_, err := a.Generate(context.Background(), llm.Context{})
	if !resilience.IsTransient(err) || !resilience.IsRateLimit(err) {
		t.Fatalf("expected transient rate limit, got %v", err)
	}

	status = http.StatusUnauthorized
	_, err = a.Generate(context.Background(), llm.Context{})
	if err == nil || resilience.IsTransient(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func sineWAV(rate int, d time.Duration) []byte {
	n := int(time.Duration(rate) * d / time.Second)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000)
		if (i/20)%2 == 0 {
			v = -8000
		}
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(v))
	}
	return audio.PCMToWAV(pcm, rate, 1)
}

func TestSpeakerEmitsTelephonyFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(sineWAV(24000, 100*time.Millisecond))
	}))
	defer srv.Close()

	s := NewSpeaker("openai", testSettings(srv.URL), tts.Config{StreamID: "MZ1", Voice: "alloy", Model: "tts-1"})
	var got []frames.AudioFrame
	err := s.Synthesize(context.Background(), "hello", func(f frames.AudioFrame) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	// 100 ms at 8 kHz mu-law is 800 bytes, five 160 byte frames.
	if len(got) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(got))
	}
	if got[0].Rate() != audio.TelephonySampleRate || len(got[0].RawPayload()) != tts.FrameBytes {
		t.Fatalf("unexpected frame shape rate=%d len=%d", got[0].Rate(), len(got[0].RawPayload()))
	}
}

func TestSpeakerStopsWhenEmitFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(sineWAV(24000, 100*time.Millisecond))
	}))
	defer srv.Close()

	stop := errors.New("stream gone")
	calls := 0
	s := NewSpeaker("openai", testSettings(srv.URL), tts.Config{})
	err := s.Synthesize(context.Background(), "hello", func(frames.AudioFrame) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected emit error after one frame, got %v after %d", err, calls)
	}
}

func loud(d time.Duration) []byte {
	n := int(audio.TelephonySampleRate * d / time.Second)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(6000)
		if i%2 == 0 {
			v = -6000
		}
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(v))
	}
	return pcm
}

func quiet(d time.Duration) []byte {
	return make([]byte, int(audio.TelephonySampleRate*d/time.Second)*2)
}

func TestSegmenterCutsOnSilence(t *testing.T) {
	s := newSegmenter(VADConfig{})
	if out := s.push(quiet(time.Second)); out != nil {
		t.Fatalf("silence must not open an utterance")
	}
	if out := s.push(loud(600 * time.Millisecond)); out != nil {
		t.Fatalf("utterance closed while speaking")
	}
	if out := s.push(quiet(600 * time.Millisecond)); out != nil {
		t.Fatalf("utterance closed before min silence")
	}
	out := s.push(quiet(700 * time.Millisecond))
	if out == nil {
		t.Fatalf("expected utterance after min silence")
	}
	if d := audio.Duration(out, audio.TelephonySampleRate); d < 0.6 {
		t.Fatalf("utterance too short: %.2fs", d)
	}
}

func TestSegmenterIgnoresShortBlips(t *testing.T) {
	s := newSegmenter(VADConfig{})
	for i := 0; i < 5; i++ {
		s.push(loud(60 * time.Millisecond))
		s.push(quiet(200 * time.Millisecond))
	}
	if s.speaking {
		t.Fatalf("short blips must not open an utterance")
	}
}

func TestTranscriberEmitsFinalText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("multipart: %v", err)
		}
		if r.FormValue("model") != "whisper-1" {
			t.Errorf("unexpected model %q", r.FormValue("model"))
		}
		_, _ = w.Write([]byte(`{"text":" I want to check my order "}`))
	}))
	defer srv.Close()

	tr := NewTranscriber("openai", testSettings(srv.URL), "whisper-1", VADConfig{}, stt.Config{StreamID: "MZ1", CallSID: "CA1"}, nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tr.Close()

	send := func(pcm []byte) {
		for _, chunk := range audio.Chunk(audio.MuLawEncode(pcm), tts.FrameBytes) {
			if err := tr.SendAudio(frames.NewAudioFrame("MZ1", 0, chunk, 8000, 1, nil)); err != nil {
				t.Fatalf("send: %v", err)
			}
		}
	}
	send(loud(500 * time.Millisecond))
	send(quiet(1300 * time.Millisecond))

	select {
	case f := <-tr.Results():
		tf := f.(frames.TextFrame)
		if tf.Text() != "I want to check my order" || !tf.Final() {
			t.Fatalf("unexpected frame %q final=%v", tf.Text(), tf.Final())
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for transcript")
	}
}

func TestTranscriberFailureClosesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewTranscriber("openai", testSettings(srv.URL), "whisper-1", VADConfig{}, stt.Config{}, nil)
	_ = tr.Start(context.Background())
	for _, chunk := range audio.Chunk(audio.MuLawEncode(append(loud(500*time.Millisecond), quiet(1300*time.Millisecond)...)), tts.FrameBytes) {
		_ = tr.SendAudio(frames.NewAudioFrame("", 0, chunk, 8000, 1, nil))
	}
	select {
	case _, ok := <-tr.Results():
		if ok {
			t.Fatalf("expected closed results")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out")
	}
	if !resilience.IsTransient(tr.Err()) {
		t.Fatalf("expected transient error, got %v", tr.Err())
	}
}
