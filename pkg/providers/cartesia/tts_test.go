package cartesia

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harunnryd/callorch/pkg/adapters/tts"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/resilience"
)

func TestSynthesizeStreamsMulawFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cartesia-Version") == "" {
			t.Errorf("missing version header")
		}
		var req request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.OutputFormat.Encoding != "pcm_mulaw" || req.OutputFormat.SampleRate != 8000 {
			t.Errorf("unexpected output format %+v", req.OutputFormat)
		}
		if req.Voice.ID != "f786b574-daa5-4673-aa0c-cbe3e8534c02" {
			t.Errorf("unexpected voice %q", req.Voice.ID)
		}
		_, _ = w.Write(make([]byte, 400))
	}))
	defer srv.Close()

	s := New(Settings{APIKey: "k", ModelID: "sonic-2", BaseURL: srv.URL}, tts.Config{Voice: "f786b574-daa5-4673-aa0c-cbe3e8534c02"})
	var sizes []int
	err := s.Synthesize(context.Background(), "Hi", func(f frames.AudioFrame) error {
		sizes = append(sizes, len(f.RawPayload()))
		return nil
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(sizes) != 3 || sizes[2] != 80 {
		t.Fatalf("unexpected sizes %v", sizes)
	}
}

func TestSynthesizeServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := New(Settings{APIKey: "k", BaseURL: srv.URL}, tts.Config{Voice: "v"})
	err := s.Synthesize(context.Background(), "Hi", func(frames.AudioFrame) error { return nil })
	if !resilience.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
