package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
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
	"github.com/harunnryd/callorch/pkg/policy"
	"github.com/harunnryd/callorch/pkg/prompt"
	"github.com/harunnryd/callorch/pkg/providers/mock"
	"github.com/harunnryd/callorch/pkg/retrieval"
	"github.com/harunnryd/callorch/pkg/tools"
	"github.com/harunnryd/callorch/pkg/transcript"
)

type fakeBinding struct {
	model     *mock.LLM
	voice     *mock.TTS
	rec       *mock.STT
	spares    []*mock.STT
	failovers int
}

func (b *fakeBinding) Generate(ctx context.Context, in llm.Context) (llm.Response, error) {
	return b.model.Generate(ctx, in)
}

func (b *fakeBinding) Speak(ctx context.Context, text string, emit func(frames.AudioFrame) error) error {
	return b.voice.Synthesize(ctx, text, emit)
}

func (b *fakeBinding) Recognizer(ctx context.Context) (stt.StreamingSTT, error) {
	return b.rec, b.rec.Start(ctx)
}

func (b *fakeBinding) RecognizerFailed(ctx context.Context, cause error) (stt.StreamingSTT, error) {
	b.failovers++
	if len(b.spares) == 0 {
		return nil, errorsx.Wrap(errors.New("stt exhausted"), errorsx.ReasonProviderExhausted)
	}
	b.rec, b.spares = b.spares[0], b.spares[1:]
	return b.rec, b.rec.Start(ctx)
}

type fakeMedia struct {
	mu   sync.Mutex
	sent int
	err  error
}

func (m *fakeMedia) SendAudio(context.Context, frames.AudioFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent++
	return nil
}

type stubKnowledge struct {
	chunks []retrieval.Chunk
	err    error
}

func (k stubKnowledge) Retrieve(context.Context, metadata.KnowledgeRef, string, int) ([]retrieval.Chunk, error) {
	return k.chunks, k.err
}

type stubPolicy bool

func (p stubPolicy) ShouldHandoff(context.Context, policy.TurnInput) (bool, error) { return bool(p), nil }

// countingMeter fails once the call has been metered limit times.
type countingMeter struct {
	calls int
	limit int
}

func (m *countingMeter) Meter(_ context.Context, tokens int) (int64, error) {
	m.calls++
	if m.limit > 0 && m.calls >= m.limit {
		return 0, errorsx.New(errorsx.ReasonCreditExhausted, "no credit left")
	}
	return int64(tokens / 10), nil
}

func basePrompt(t *testing.T) prompt.Context {
	t.Helper()
	pc, _ := prompt.NewAssembler(prompt.DefaultPack(), nil, nil).Assemble(context.Background(), metadata.AgentConfig{})
	return pc
}

func agent() metadata.AgentConfig {
	return metadata.AgentConfig{
		ChatbotID:     "4207",
		CustomerID:    "1492",
		HandoffTarget: "+15550001111",
		Knowledge:     metadata.KnowledgeRef{Index: "support", Namespace: "acme"},
	}
}

func newBinding(script []llm.Response) *fakeBinding {
	return &fakeBinding{
		model: mock.NewLLM(mock.LLMConfig{Script: script}),
		voice: mock.NewTTS(mock.TTSConfig{}, tts.Config{}),
		rec:   mock.NewSTT(mock.STTConfig{}, stt.Config{CallSID: "CA1"}),
	}
}

func TestTurnWithToolCallEndsInHandoff(t *testing.T) {
	b := newBinding([]llm.Response{
		{Text: "Hi, how can I help?", Usage: llm.Usage{TotalTokens: 100}},
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: tools.NameTransferToHuman, Arguments: map[string]any{"reason": "billing"}}}, Usage: llm.Usage{TotalTokens: 100}},
		{Text: "Connecting you now.", Usage: llm.Usage{TotalTokens: 100}},
	})
	b.rec.Push("I need help with my bill")
	media := &fakeMedia{}
	mem := &transcript.MemorySink{}
	tl := transcript.New(transcript.Config{}, []transcript.Sink{mem}, nil)

	d := New(Config{}, Deps{
		Binding:    b,
		Media:      media,
		Knowledge:  stubKnowledge{chunks: []retrieval.Chunk{{Text: "Billing is open 9 to 5.", Page: 2}}},
		Meter:      &countingMeter{},
		Transcript: tl.Session(transcript.SessionInfo{SessionID: "CA1"}),
	}, Call{
		CallSID:    "CA1",
		Config:     agent(),
		Prompt:     basePrompt(t),
		Audio:      make(chan frames.AudioFrame, 4),
		CanHandoff: func() bool { return true },
	})

	res, err := d.Run(context.Background(), Opening{Instruction: "Greet the caller."})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandoff, res.Outcome)
	assert.Equal(t, "billing", res.HandoffReason)
	assert.Equal(t, []string{"Hi, how can I help?", "Connecting you now."}, b.voice.Spoken())
	assert.Equal(t, 300, d.Tokens())
	assert.Equal(t, 1, d.Turns())
	assert.Equal(t, 4, media.sent)

	calls := b.model.Calls()
	require.Len(t, calls, 3)
	system, _ := calls[1].Messages[0]["content"].(string)
	assert.Contains(t, system, "Billing is open 9 to 5.")
	assert.NotEmpty(t, calls[1].Tools)
	last := calls[2].Messages[len(calls[2].Messages)-1]
	assert.Equal(t, "tool", last["role"])

	require.NoError(t, tl.Close())
	var roles []transcript.Role
	for _, r := range mem.Records() {
		roles = append(roles, r.Line.Role)
	}
	assert.Equal(t, []transcript.Role{transcript.RoleAssistant, transcript.RoleUser, transcript.RoleAssistant}, roles)
}

func TestRetrievalFailureKeepsTalking(t *testing.T) {
	b := newBinding([]llm.Response{{Text: "Hello."}, {Text: "We open at nine."}})
	b.rec.Push("when do you open")
	meter := &countingMeter{limit: 2}
	pc := basePrompt(t)

	d := New(Config{}, Deps{
		Binding:   b,
		Media:     &fakeMedia{},
		Knowledge: stubKnowledge{err: retrieval.ErrDegraded},
		Meter:     meter,
	}, Call{CallSID: "CA2", Config: agent(), Prompt: pc, Audio: make(chan frames.AudioFrame)})

	_, err := d.Run(context.Background(), Opening{Instruction: "Greet the caller."})
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonCreditExhausted))
	assert.Equal(t, []string{"Hello.", "We open at nine."}, b.voice.Spoken())

	calls := b.model.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, pc.Base(), calls[1].Messages[0]["content"])
}

func TestRecognizerFailoverThenPolicyHandoff(t *testing.T) {
	b := newBinding([]llm.Response{{Text: "Hello."}})
	b.rec.Fail(errors.New("socket dropped"))
	spare := mock.NewSTT(mock.STTConfig{Name: "deepgram"}, stt.Config{CallSID: "CA3"})
	spare.Push("let me talk to a real person")
	b.spares = []*mock.STT{spare}

	d := New(Config{}, Deps{Binding: b, Media: &fakeMedia{}, Policy: stubPolicy(true)}, Call{
		CallSID:    "CA3",
		Config:     agent(),
		Prompt:     basePrompt(t),
		Audio:      make(chan frames.AudioFrame),
		CanHandoff: func() bool { return true },
	})

	res, err := d.Run(context.Background(), Opening{Instruction: "Greet the caller."})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandoff, res.Outcome)
	assert.Equal(t, 1, b.failovers)
	assert.Len(t, b.model.Calls(), 1)
}

func TestRecognizersExhaustedEndsRun(t *testing.T) {
	b := newBinding([]llm.Response{{Text: "Hello."}})
	b.rec.Fail(errors.New("socket dropped"))

	d := New(Config{}, Deps{Binding: b, Media: &fakeMedia{}}, Call{
		CallSID: "CA4", Config: agent(), Prompt: basePrompt(t), Audio: make(chan frames.AudioFrame),
	})
	_, err := d.Run(context.Background(), Opening{})
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonProviderExhausted))
}

func TestMediaFailureIsHangup(t *testing.T) {
	b := newBinding([]llm.Response{{Text: "Hello."}})
	d := New(Config{}, Deps{Binding: b, Media: &fakeMedia{err: errors.New("stream closed")}}, Call{
		CallSID: "CA5", Config: agent(), Prompt: basePrompt(t), Audio: make(chan frames.AudioFrame),
	})
	res, err := d.Run(context.Background(), Opening{Instruction: "Greet the caller."})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHangup, res.Outcome)
}

func TestTransferRefusedWhenAttemptsUsed(t *testing.T) {
	b := newBinding([]llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: tools.NameTransferToHuman, Arguments: map[string]any{"reason": "sales"}}}},
		{Text: "I can keep helping you here."},
	})
	b.rec.Push("transfer me")

	d := New(Config{}, Deps{Binding: b, Media: &fakeMedia{}, Meter: &countingMeter{limit: 1}}, Call{
		CallSID: "CA6", Config: agent(), Prompt: basePrompt(t), Audio: make(chan frames.AudioFrame),
		CanHandoff: func() bool { return false },
	})
	_, err := d.Run(context.Background(), Opening{Say: "Sorry, nobody is free right now."})
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonCreditExhausted))

	calls := b.model.Calls()
	require.Len(t, calls, 2)
	tool := calls[1].Messages[len(calls[1].Messages)-1]
	content, _ := tool["content"].(string)
	assert.True(t, strings.Contains(content, "not available"))
	assert.Equal(t, []string{"Sorry, nobody is free right now.", "I can keep helping you here."}, b.voice.Spoken())
}

func TestCancelledContextIsHangup(t *testing.T) {
	b := newBinding([]llm.Response{{Text: "Hello."}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New(Config{}, Deps{Binding: b, Media: &fakeMedia{}}, Call{
		CallSID: "CA7", Config: agent(), Prompt: basePrompt(t), Audio: make(chan frames.AudioFrame),
	})
	res, err := d.Run(ctx, Opening{Instruction: "Greet the caller."})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHangup, res.Outcome)
}

// orderServer is a one-tool MCP server answering plain JSON.
func orderServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
			Params struct {
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		if r.Method != http.MethodPost || json.NewDecoder(r.Body).Decode(&req) != nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		var result any = map[string]any{}
		switch req.Method {
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{{
				"name":        "lookup_order",
				"description": "Find an order by id.",
				"inputSchema": map[string]any{"type": "object", "properties": map[string]any{"order_id": map[string]any{"type": "string"}}},
			}}}
		case "tools/call":
			result = map[string]any{"content": []map[string]any{{"type": "text", "text": fmt.Sprintf("order %v ships today", req.Params.Arguments["order_id"])}}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRemoteToolCalledWithinStepLimit(t *testing.T) {
	cfg := agent()
	cfg.MCPServers = []string{orderServer(t)}
	remote := tools.NewMCPConnector(tools.MCPConfig{Timeout: time.Second}, nil, nil).Connect(context.Background(), "CA8", cfg.MCPServers)
	require.True(t, remote.Has("lookup_order"))

	b := newBinding([]llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "lookup_order", Arguments: map[string]any{"order_id": "A-7"}}}},
		{ToolCalls: []llm.ToolCall{{ID: "c2", Name: "lookup_order", Arguments: map[string]any{"order_id": "A-8"}}}, Text: "Order A-7 ships today."},
	})
	b.rec.Push("where is order A-7")

	d := New(Config{MaxToolSteps: 2}, Deps{Binding: b, Media: &fakeMedia{}, Meter: &countingMeter{limit: 1}}, Call{
		CallSID: "CA8", Config: cfg, Prompt: basePrompt(t), Audio: make(chan frames.AudioFrame),
		CanHandoff: func() bool { return true }, MCP: remote,
	})
	_, err := d.Run(context.Background(), Opening{Say: "Hello."})
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonCreditExhausted))

	calls := b.model.Calls()
	require.Len(t, calls, 2)
	var offered []string
	for _, tool := range calls[0].Tools {
		offered = append(offered, tool.Name)
	}
	assert.Contains(t, offered, tools.NameTransferToHuman)
	assert.Contains(t, offered, "lookup_order")
	assert.Empty(t, calls[1].Tools)

	result := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "tool", result["role"])
	assert.Equal(t, "order A-7 ships today", result["content"])
	assert.Equal(t, []string{"Hello.", "Order A-7 ships today."}, b.voice.Spoken())
}
