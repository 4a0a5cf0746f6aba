package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callorch/pkg/adapters/stt"
	"github.com/harunnryd/callorch/pkg/audio"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/llm"
	"github.com/harunnryd/callorch/pkg/logging"
)

// Transcriber cuts caller audio into utterances with an energy VAD and sends each one to
// an /audio/transcriptions compatible endpoint. Utterances are transcribed in order.
type Transcriber struct {
	Vendor  string
	APIKey  string
	BaseURL string
	Model   string
	Client  *http.Client

	cfg    stt.Config
	seg    *segmenter
	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	jobs      chan []byte
	out       chan frames.Frame
	closeOnce sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

func NewTranscriber(vendor string, s Settings, model string, vad VADConfig, cfg stt.Config, logger *slog.Logger) *Transcriber {
	return &Transcriber{
		Vendor:  vendor,
		APIKey:  s.APIKey,
		BaseURL: s.BaseURL,
		Model:   model,
		Client:  &http.Client{Timeout: s.Timeout},
		cfg:     cfg,
		seg:     newSegmenter(vad),
		logger:  logging.NewComponentLogger(logger, vendor+"_stt"),
		jobs:    make(chan []byte, 8),
		out:     make(chan frames.Frame, 16),
	}
}

func (t *Transcriber) Name() string { return t.Vendor }

func (t *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	go t.work()
	return nil
}

// SendAudio is called from the media read loop and never blocks on the network.
func (t *Transcriber) SendAudio(frame frames.AudioFrame) error {
	t.mu.Lock()
	if t.closed {
		err := t.err
		t.mu.Unlock()
		if err == nil {
			err = errors.New("transcriber closed")
		}
		return err
	}
	utterance := t.seg.push(audio.MuLawDecode(frame.RawPayload()))
	if utterance == nil {
		t.mu.Unlock()
		return nil
	}
	select {
	case t.jobs <- utterance:
	default:
		t.logger.Warn("stt_utterance_dropped", slog.String("call_sid", t.cfg.CallSID))
	}
	t.mu.Unlock()
	return nil
}

func (t *Transcriber) Results() <-chan frames.Frame { return t.out }

func (t *Transcriber) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transcriber) Close() error {
	t.stop(nil)
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (t *Transcriber) stop(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.closed = true
		close(t.jobs)
		t.mu.Unlock()
	})
}

func (t *Transcriber) work() {
	defer close(t.out)
	for pcm := range t.jobs {
		if audio.Duration(pcm, audio.TelephonySampleRate) < 0.1 {
			continue
		}
		text, err := t.transcribe(t.ctx, pcm)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Error("stt_transcribe_failed", slog.String("error", err.Error()))
			t.stop(err)
			// Drain whatever was queued before the failure.
			for range t.jobs {
			}
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		f := frames.NewTextFrame(t.cfg.StreamID, time.Now().UnixNano(), text, map[string]string{
			frames.MetaCallSID:  t.cfg.CallSID,
			frames.MetaTraceID:  t.cfg.TraceID,
			frames.MetaSource:   "stt",
			frames.MetaProvider: t.Vendor,
			frames.MetaIsFinal:  "true",
		})
		select {
		case t.out <- f:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transcriber) transcribe(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", llm.Fatal(t.Vendor, llm.CapabilitySTT, err)
	}
	if _, err := part.Write(audio.PCMToWAV(pcm, audio.TelephonySampleRate, 1)); err != nil {
		return "", llm.Fatal(t.Vendor, llm.CapabilitySTT, err)
	}
	_ = w.WriteField("model", t.Model)
	_ = w.WriteField("response_format", "json")
	if t.cfg.Language != "" {
		_ = w.WriteField("language", t.cfg.Language)
	}
	if err := w.Close(); err != nil {
		return "", llm.Fatal(t.Vendor, llm.CapabilitySTT, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", llm.Fatal(t.Vendor, llm.CapabilitySTT, err)
	}
	applyHeaders(req, t.APIKey, w.FormDataContentType())
	resp, err := client(t.Client).Do(req)
	if err != nil {
		return "", llm.TransportError(t.Vendor, llm.CapabilitySTT, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return "", llm.HTTPError(t.Vendor, llm.CapabilitySTT, resp.StatusCode, string(raw))
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", llm.TransportError(t.Vendor, llm.CapabilitySTT, err)
	}
	return payload.Text, nil
}

var _ stt.StreamingSTT = (*Transcriber)(nil)
