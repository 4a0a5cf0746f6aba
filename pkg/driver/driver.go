// Package driver runs the conversation of one call: listen, recognize, retrieve, reason,
// speak, one turn at a time.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callorch/pkg/adapters/stt"
	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/frames"
	"github.com/harunnryd/callorch/pkg/llm"
	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/metrics"
	"github.com/harunnryd/callorch/pkg/policy"
	"github.com/harunnryd/callorch/pkg/prompt"
	"github.com/harunnryd/callorch/pkg/retrieval"
	"github.com/harunnryd/callorch/pkg/tools"
	"github.com/harunnryd/callorch/pkg/transcript"
)

// Binding is the provider set of the call. Fallback between vendors happens inside it.
type Binding interface {
	Generate(ctx context.Context, input llm.Context) (llm.Response, error)
	Speak(ctx context.Context, text string, emit func(frames.AudioFrame) error) error
	Recognizer(ctx context.Context) (stt.StreamingSTT, error)
	RecognizerFailed(ctx context.Context, cause error) (stt.StreamingSTT, error)
}

// Media carries synthesized audio back to the caller.
type Media interface {
	SendAudio(ctx context.Context, f frames.AudioFrame) error
}

type Knowledge interface {
	Retrieve(ctx context.Context, ref metadata.KnowledgeRef, query string, k int) ([]retrieval.Chunk, error)
}

type HandoffPolicy interface {
	ShouldHandoff(ctx context.Context, in policy.TurnInput) (bool, error)
}

// Meter charges tokens against the call's reservation and returns the credits used so
// far. An error means the call can no longer be paid for.
type Meter interface {
	Meter(ctx context.Context, tokens int) (int64, error)
}

type Config struct {
	MaxToolSteps int          `mapstructure:"max_tool_steps"`
	HistoryTurns int          `mapstructure:"history_turns"`
	KnowledgeK   int          `mapstructure:"knowledge_k"`
	Speech       SpeechConfig `mapstructure:"speech"`
}

func (c Config) withDefaults() Config {
	if c.MaxToolSteps <= 0 {
		c.MaxToolSteps = 8
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 20
	}
	if c.KnowledgeK <= 0 {
		c.KnowledgeK = 3
	}
	c.Speech = c.Speech.withDefaults()
	return c
}

type Deps struct {
	Binding    Binding
	Media      Media
	Knowledge  Knowledge
	Tools      tools.Deps
	Policy     HandoffPolicy
	Meter      Meter
	Transcript *transcript.Session
	Observer   metrics.Observer
	Logger     *slog.Logger
}

// Call is the per-call input. Prompt is the assembled base context; every turn derives
// its own context from it.
type Call struct {
	CallSID    string
	Config     metadata.AgentConfig
	Prompt     prompt.Context
	Audio      <-chan frames.AudioFrame
	CanHandoff func() bool
	// MCP are the customer's remote tools, offered next to the built-in ones.
	MCP *tools.MCPTools
}

// Opening is what the agent says before listening. Instruction asks the model for the
// line; Say is spoken as is.
type Opening struct {
	Instruction string
	Say         string
}

type Outcome int

const (
	OutcomeHangup Outcome = iota
	OutcomeHandoff
)

type Result struct {
	Outcome       Outcome
	HandoffReason string
}

// mediaError marks a failure to deliver audio, which means the caller is gone.
type mediaError struct{ err error }

func (e mediaError) Error() string { return "media: " + e.err.Error() }
func (e mediaError) Unwrap() error { return e.err }

type Driver struct {
	cfg    Config
	deps   Deps
	call   Call
	logger *slog.Logger

	history  []map[string]any
	last     string
	handoff  string
	wantsOut bool
	tokens   atomic.Int64
	turns    atomic.Int64
	credits  int64
}

func New(cfg Config, deps Deps, call Call) *Driver {
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if call.CanHandoff == nil {
		call.CanHandoff = func() bool { return false }
	}
	return &Driver{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		call:   call,
		logger: logging.NewComponentLogger(deps.Logger, "driver").With("call_id", call.CallSID),
	}
}

// Tokens is the LLM usage of the whole call so far.
func (d *Driver) Tokens() int { return int(d.tokens.Load()) }

// Turns counts completed caller turns.
func (d *Driver) Turns() int { return int(d.turns.Load()) }

// Run speaks the opening and loops over caller turns until the caller leaves, ctx ends,
// a handoff is requested or an error ends the call. Run may be called again after a
// reverted handoff; history is kept.
func (d *Driver) Run(ctx context.Context, opening Opening) (Result, error) {
	d.wantsOut, d.handoff = false, ""
	rec, err := d.deps.Binding.Recognizer(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := d.open(ctx, opening); err != nil {
		return d.end(ctx, err)
	}
	d.drainAudio()

	for {
		select {
		case <-ctx.Done():
			return Result{Outcome: OutcomeHangup}, nil
		case f, ok := <-d.call.Audio:
			if !ok {
				return Result{Outcome: OutcomeHangup}, nil
			}
			if err := rec.SendAudio(f); err != nil {
				if rec, err = d.recognizerFailed(ctx, err); err != nil {
					return d.end(ctx, err)
				}
			}
		case f, ok := <-rec.Results():
			if !ok {
				if ctx.Err() != nil {
					return Result{Outcome: OutcomeHangup}, nil
				}
				if rec, err = d.recognizerFailed(ctx, rec.Err()); err != nil {
					return d.end(ctx, err)
				}
				continue
			}
			tf, isText := f.(frames.TextFrame)
			if !isText || !tf.Final() {
				continue
			}
			text := strings.TrimSpace(tf.Text())
			if text == "" {
				continue
			}
			if err := d.turn(ctx, text); err != nil {
				return d.end(ctx, err)
			}
			if d.wantsOut {
				return Result{Outcome: OutcomeHandoff, HandoffReason: d.handoff}, nil
			}
			// barge-in is off: what the caller said over the agent is not a new turn
			d.drainAudio()
		}
	}
}

func (d *Driver) end(ctx context.Context, err error) (Result, error) {
	var me mediaError
	if errors.As(err, &me) || ctx.Err() != nil {
		d.logger.Info("driver_media_closed", "error", err.Error())
		return Result{Outcome: OutcomeHangup}, nil
	}
	return Result{}, err
}

func (d *Driver) recognizerFailed(ctx context.Context, cause error) (stt.StreamingSTT, error) {
	if cause == nil {
		cause = errors.New("recognizer closed")
	}
	return d.deps.Binding.RecognizerFailed(ctx, cause)
}

func (d *Driver) open(ctx context.Context, o Opening) error {
	if o.Say != "" {
		if err := d.say(ctx, o.Say); err != nil {
			return err
		}
		d.history = append(d.history, llm.AssistantMessage(o.Say))
		if d.deps.Transcript != nil {
			d.deps.Transcript.System(o.Say)
		}
	}
	if o.Instruction == "" {
		return nil
	}
	resp, err := d.deps.Binding.Generate(ctx, llm.Context{Messages: []map[string]any{
		llm.SystemMessage(d.call.Prompt.System()),
		llm.SystemMessage(o.Instruction),
	}})
	if err != nil {
		return err
	}
	d.tokens.Add(int64(resp.Usage.TotalTokens))
	greeting := strings.TrimSpace(resp.Text)
	if greeting == "" {
		return nil
	}
	if err := d.say(ctx, greeting); err != nil {
		return err
	}
	d.history = append(d.history, llm.AssistantMessage(greeting))
	return d.meter(ctx, greeting)
}

func (d *Driver) turn(ctx context.Context, text string) error {
	start := time.Now()
	d.last = text
	if d.deps.Transcript != nil {
		d.deps.Transcript.User(text)
	}

	if d.policyHandoff(ctx, text) {
		d.turns.Add(1)
		d.record(start, "handoff")
		return nil
	}

	pc := d.call.Prompt.WithKnowledge(d.retrieve(ctx, text))
	reply, err := d.reason(ctx, pc, text)
	if err != nil {
		d.record(start, "error")
		return err
	}
	d.history = append(d.history, llm.UserMessage(text))
	reply = speakable(reply, d.cfg.Speech)
	if reply != "" {
		if err := d.say(ctx, reply); err != nil {
			return err
		}
		d.history = append(d.history, llm.AssistantMessage(reply))
	}
	d.trimHistory()
	d.turns.Add(1)
	d.record(start, "ok")
	return d.meter(ctx, reply)
}

func (d *Driver) policyHandoff(ctx context.Context, text string) bool {
	if d.deps.Policy == nil || !d.call.CanHandoff() {
		return false
	}
	ok, err := d.deps.Policy.ShouldHandoff(ctx, policy.TurnInput{
		Utterance:     text,
		ChatbotID:     d.call.Config.ChatbotID,
		CustomerID:    d.call.Config.CustomerID,
		HandoffTarget: d.call.Config.HandoffTarget,
		Turn:          d.Turns() + 1,
	})
	if err != nil {
		d.logger.Warn("handoff_policy_failed", "error", err.Error())
		return false
	}
	if ok {
		d.wantsOut, d.handoff = true, "caller asked for a person"
	}
	return ok
}

func (d *Driver) retrieve(ctx context.Context, text string) []retrieval.Chunk {
	if d.deps.Knowledge == nil || d.call.Config.Knowledge.Empty() {
		return nil
	}
	chunks, err := d.deps.Knowledge.Retrieve(ctx, d.call.Config.Knowledge, text, d.cfg.KnowledgeK)
	if err != nil {
		d.logger.Warn("retrieval_degraded",
			"reason_code", string(errorsx.ReasonRetrievalDegraded), "error", err.Error())
		return nil
	}
	return chunks
}

// reason runs the model with tools until it answers in text. The last allowed step is
// sent without tools so the loop always ends with a reply.
func (d *Driver) reason(ctx context.Context, pc prompt.Context, text string) (string, error) {
	set := tools.New(d.deps.Tools, tools.Call{
		CallSID:       d.call.CallSID,
		Config:        d.call.Config,
		LastUtterance: func() string { return d.last },
		Transfer:      d.transfer,
		MCP:           d.call.MCP,
	})
	msgs := make([]map[string]any, 0, len(d.history)+3)
	msgs = append(msgs, llm.SystemMessage(pc.System()))
	msgs = append(msgs, d.history...)
	msgs = append(msgs, llm.UserMessage(text))

	for step := 0; ; step++ {
		in := llm.Context{Messages: msgs}
		last := step >= d.cfg.MaxToolSteps-1
		if !last {
			in.Tools = set.Tools()
		}
		resp, err := d.deps.Binding.Generate(ctx, in)
		if err != nil {
			return "", err
		}
		d.tokens.Add(int64(resp.Usage.TotalTokens))
		if len(resp.ToolCalls) == 0 || last {
			return strings.TrimSpace(resp.Text), nil
		}
		msgs = append(msgs, llm.AssistantToolCalls(resp.Text, resp.ToolCalls, encodeArgs))
		for _, call := range resp.ToolCalls {
			out, err := set.HandleTool(ctx, call.Name, call.Arguments)
			if err != nil {
				d.logger.Warn("tool_failed", "tool", call.Name, "error", err.Error())
				out = "That tool is not available."
			}
			msgs = append(msgs, llm.ToolResultMessage(call.ID, out))
		}
	}
}

func (d *Driver) transfer(_ context.Context, reason string) string {
	if !d.call.CanHandoff() || d.call.Config.HandoffTarget == "" {
		return "Transfer to a human is not available right now. Keep helping the caller."
	}
	d.wantsOut, d.handoff = true, reason
	return "Transfer accepted. Tell the caller you are connecting them to a person now."
}

func (d *Driver) say(ctx context.Context, text string) error {
	return d.deps.Binding.Speak(ctx, text, func(f frames.AudioFrame) error {
		if err := d.deps.Media.SendAudio(ctx, f); err != nil {
			return mediaError{err: err}
		}
		return nil
	})
}

func (d *Driver) meter(ctx context.Context, reply string) error {
	var delta int64
	if d.deps.Meter != nil {
		total, err := d.deps.Meter.Meter(ctx, d.Tokens())
		if err != nil {
			return err
		}
		delta = total - d.credits
		d.credits = total
	}
	if d.deps.Transcript != nil && reply != "" {
		d.deps.Transcript.Assistant(reply, delta)
	}
	return nil
}

func (d *Driver) drainAudio() {
	for {
		select {
		case _, ok := <-d.call.Audio:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// trimHistory keeps the last HistoryTurns exchanges.
func (d *Driver) trimHistory() {
	max := d.cfg.HistoryTurns * 2
	if len(d.history) > max {
		d.history = append([]map[string]any(nil), d.history[len(d.history)-max:]...)
	}
}

func (d *Driver) record(start time.Time, outcome string) {
	d.deps.Observer.RecordEvent(metrics.NewEvent(metrics.EventTurn, metrics.Since(start), map[string]string{
		"call_sid": d.call.CallSID,
		"outcome":  outcome,
	}))
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
