package deepgram

import (
	"testing"

	"github.com/harunnryd/callorch/pkg/adapters/stt"
	"github.com/harunnryd/callorch/pkg/frames"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
)

func TestDecodeSettingsDefaults(t *testing.T) {
	s, err := DecodeSettings(map[string]any{"api_key": "k"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Model != "nova-2-phonecall" || s.UtteranceEndMS != 1200 || s.Language != "en" {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if _, err := DecodeSettings(map[string]any{"model": "x"}); err == nil {
		t.Fatalf("expected missing api_key error")
	}
}

func TestFinalSegmentsJoinIntoOneUtterance(t *testing.T) {
	r := New(Config{Config: stt.Config{StreamID: "s1", CallSID: "CA1"}}, nil)
	cb := &callback{parent: r}

	msg := func(text string, final, speechFinal bool) *msginterfaces.MessageResponse {
		mr := &msginterfaces.MessageResponse{IsFinal: final, SpeechFinal: speechFinal}
		mr.Channel.Alternatives = []msginterfaces.Alternative{{Transcript: text}}
		return mr
	}
	_ = cb.Message(msg("I need", false, false))
	_ = cb.Message(msg("I need help", true, false))
	_ = cb.Message(msg("with my bill", true, true))

	select {
	case f := <-r.Results():
		tf, ok := f.(frames.TextFrame)
		if !ok || !tf.Final() {
			t.Fatalf("expected final text frame, got %#v", f)
		}
		if tf.Text() != "I need help with my bill" {
			t.Fatalf("unexpected text %q", tf.Text())
		}
	default:
		t.Fatalf("expected an utterance")
	}

	_ = cb.UtteranceEnd(&msginterfaces.UtteranceEndResponse{})
	select {
	case f := <-r.Results():
		t.Fatalf("unexpected frame %#v", f)
	default:
	}
}

func TestErrorClosesResults(t *testing.T) {
	r := New(Config{}, nil)
	cb := &callback{parent: r}
	_ = cb.Error(&msginterfaces.ErrorResponse{ErrCode: "1011", ErrMsg: "boom"})

	if _, ok := <-r.Results(); ok {
		t.Fatalf("expected closed results")
	}
	if r.Err() == nil {
		t.Fatalf("expected error")
	}
	_ = r.Close()
	if r.Err() == nil {
		t.Fatalf("close must not clear the failure")
	}
}
