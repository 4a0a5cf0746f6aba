package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callorch/pkg/adapters/stt"
	"github.com/harunnryd/callorch/pkg/audio"
	"github.com/harunnryd/callorch/pkg/configutil"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/llm"
	"github.com/harunnryd/callorch/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const providerName = "deepgram"

// SettingsSchema lists the keys accepted under providers.deepgram.
var SettingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "language", "utterance_end_ms", "endpointing_ms"},
}

// Settings is the decoded provider block.
type Settings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	EndpointingMS  int    `mapstructure:"endpointing_ms"`
}

// DecodeSettings validates raw settings and fills defaults.
func DecodeSettings(raw map[string]any) (Settings, error) {
	var s Settings
	if err := configutil.Decode(raw, SettingsSchema, &s); err != nil {
		return s, err
	}
	if err := configutil.RequireString(s.APIKey, "providers.deepgram.api_key"); err != nil {
		return s, err
	}
	if s.Model == "" {
		s.Model = "nova-2-phonecall"
	}
	if s.Language == "" {
		s.Language = "en"
	}
	if s.UtteranceEndMS == 0 {
		s.UtteranceEndMS = 1200
	}
	if s.UtteranceEndMS < 1000 || s.UtteranceEndMS > 5000 {
		return s, fmt.Errorf("providers.deepgram.utterance_end_ms must be between 1000 and 5000, got %d", s.UtteranceEndMS)
	}
	if s.EndpointingMS == 0 {
		s.EndpointingMS = 300
	}
	return s, nil
}

type Config struct {
	Settings
	stt.Config
}

// Recognizer streams caller mu-law audio to Deepgram and yields one final TextFrame
// per utterance. Interim results are folded into the pending utterance.
type Recognizer struct {
	cfg    Config
	logger *slog.Logger

	dgClient   *client.WSCallback
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	out       chan frames.Frame
	closeOnce sync.Once

	mu      sync.Mutex
	pending []string
	err     error
	closed  bool
}

func New(cfg Config, logger *slog.Logger) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.TelephonySampleRate
	}
	return &Recognizer{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "deepgram_stt"),
		out:    make(chan frames.Frame, 64),
	}
}

func (r *Recognizer) Name() string { return providerName }

func (r *Recognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.pipeReader, r.pipeWriter = io.Pipe()

	language := r.cfg.Settings.Language
	if r.cfg.Config.Language != "" {
		language = r.cfg.Config.Language
	}
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.Model,
		Language:       language,
		Encoding:       "mulaw",
		SampleRate:     r.cfg.SampleRate,
		Channels:       1,
		InterimResults: true,
		VadEvents:      true,
		SmartFormat:    true,
		Punctuate:      true,
		Endpointing:    fmt.Sprintf("%d", r.cfg.EndpointingMS),
		UtteranceEndMs: fmt.Sprintf("%d", r.cfg.UtteranceEndMS),
	}

	dg, err := client.NewWSUsingCallback(r.ctx, r.cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, opts, &callback{parent: r})
	if err != nil {
		return llm.Fatal(providerName, llm.CapabilitySTT, err)
	}
	r.dgClient = dg
	if !dg.Connect() {
		return llm.Transient(providerName, llm.CapabilitySTT, errors.New("deepgram connection failed"))
	}

	r.logger.Info("deepgram_connected",
		slog.String("call_sid", r.cfg.CallSID),
		slog.String("model", r.cfg.Model),
		slog.String("language", language))

	go func() {
		err := dg.Stream(r.pipeReader)
		if err != nil && r.ctx.Err() == nil {
			r.fail(llm.TransportError(providerName, llm.CapabilitySTT, err))
			return
		}
		r.finish(nil)
	}()
	return nil
}

func (r *Recognizer) SendAudio(frame frames.AudioFrame) error {
	if r.pipeWriter == nil {
		return errors.New("deepgram: not started")
	}
	if _, err := r.pipeWriter.Write(frame.RawPayload()); err != nil {
		return llm.TransportError(providerName, llm.CapabilitySTT, err)
	}
	return nil
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

func (r *Recognizer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recognizer) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.pipeWriter != nil {
		_ = r.pipeWriter.Close()
	}
	if r.dgClient != nil {
		r.dgClient.Stop()
	}
	r.finish(nil)
	return nil
}

func (r *Recognizer) fail(err error) {
	r.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
	r.finish(err)
}

func (r *Recognizer) finish(err error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		r.closed = true
		r.mu.Unlock()
		close(r.out)
	})
}

// segment appends a finalized fragment; flush emits the joined utterance.
func (r *Recognizer) segment(text string) {
	r.mu.Lock()
	r.pending = append(r.pending, text)
	r.mu.Unlock()
}

func (r *Recognizer) flush() {
	r.mu.Lock()
	if r.closed || len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	text := strings.Join(r.pending, " ")
	r.pending = nil
	f := frames.NewTextFrame(r.cfg.StreamID, time.Now().UnixNano(), text, map[string]string{
		frames.MetaCallSID:  r.cfg.CallSID,
		frames.MetaTraceID:  r.cfg.TraceID,
		frames.MetaSource:   "stt",
		frames.MetaProvider: providerName,
		frames.MetaIsFinal:  "true",
	})
	// Held under mu so finish cannot close out between the check and the send.
	select {
	case r.out <- f:
	default:
		r.logger.Warn("deepgram_out_channel_full")
	}
	r.mu.Unlock()
}

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(*msginterfaces.OpenResponse) error { return nil }

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if text != "" && mr.IsFinal {
		c.parent.segment(text)
	}
	if mr.SpeechFinal {
		c.parent.flush()
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata", slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

// UtteranceEnd fires when endpointing missed the end of speech, e.g. on a noisy line.
func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.flush()
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.fail(llm.Transient(providerName, llm.CapabilitySTT, fmt.Errorf("%s: %s", er.ErrCode, er.ErrMsg)))
	return nil
}

func (c *callback) UnhandledEvent(data []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(data)))
	return nil
}

var _ stt.StreamingSTT = (*Recognizer)(nil)
