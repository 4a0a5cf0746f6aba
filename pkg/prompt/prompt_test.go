package prompt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/retrieval"
)

type stubSummary struct {
	text string
	err  error
	refs []metadata.KnowledgeRef
}

func (s *stubSummary) Summary(ctx context.Context, ref metadata.KnowledgeRef) (string, error) {
	s.refs = append(s.refs, ref)
	return s.text, s.err
}

func agent() metadata.AgentConfig {
	return metadata.AgentConfig{
		ChatbotID:          "4207",
		CustomInstructions: "Always mention the spring sale.",
		Knowledge:          metadata.KnowledgeRef{Index: "support", Namespace: "acme"},
	}
}

func TestAssembleFillsPlaceholders(t *testing.T) {
	s := &stubSummary{text: "Acme sells anvils and rockets."}
	a := NewAssembler(DefaultPack(), s, nil)
	a.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }

	ctx, degraded := a.Assemble(context.Background(), agent())
	assert.False(t, degraded)
	sys := ctx.System()
	assert.Contains(t, sys, "Acme sells anvils and rockets.")
	assert.Contains(t, sys, "Always mention the spring sale.")
	assert.Contains(t, sys, "2026-03-04T10:00:00Z")
	assert.Contains(t, sys, "search_knowledge_base")
	assert.NotContains(t, sys, "{KBSummary}")
	assert.NotContains(t, sys, "{AGENT_MODE_INSTRUCTIONS}")
	require.Len(t, s.refs, 1)
}

func TestAssembleDegradesWithoutSummary(t *testing.T) {
	s := &stubSummary{err: errors.New("timeout")}
	a := NewAssembler(DefaultPack(), s, nil)

	ctx, degraded := a.Assemble(context.Background(), agent())
	assert.True(t, degraded)
	assert.Contains(t, ctx.System(), "Always mention the spring sale.")
}

func TestAssembleSkipsSummaryWithoutKnowledgeBase(t *testing.T) {
	s := &stubSummary{text: "unused"}
	a := NewAssembler(DefaultPack(), s, nil)
	cfg := agent()
	cfg.Knowledge = metadata.KnowledgeRef{}

	_, degraded := a.Assemble(context.Background(), cfg)
	assert.False(t, degraded)
	assert.Empty(t, s.refs)
}

func TestWithKnowledgeDoesNotMutate(t *testing.T) {
	a := NewAssembler(DefaultPack(), nil, nil)
	base, _ := a.Assemble(context.Background(), agent())
	before := base.System()

	chunks := []retrieval.Chunk{{Text: "Returns within 30 days.", Source: "policy.pdf", Page: 2}}
	withKB := base.WithKnowledge(chunks)
	chunks[0].Text = "changed"

	assert.Equal(t, before, base.System())
	assert.Contains(t, withKB.System(), "[1] (policy.pdf, page 2) Returns within 30 days.")
	assert.Equal(t, base.Base(), withKB.Base())

	cleared := withKB.WithKnowledge(nil)
	assert.Equal(t, before, cleared.System())
}

func TestGreetingWithMemory(t *testing.T) {
	a := NewAssembler(DefaultPack(), nil, nil)
	assert.Contains(t, a.Greeting(nil), "Greet the caller")

	g := a.Greeting(map[string]string{"name": "Dana", "favorite_store": "Downtown"})
	assert.Contains(t, g, "favorite_store: Downtown\nname: Dana")
}

func TestLoadPackOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("messages:\n  credit_exhausted: \"Time is up.\"\n"), 0o600))

	p, err := LoadPack(path)
	require.NoError(t, err)
	assert.Equal(t, "Time is up.", p.Messages.CreditExhausted)
	assert.Equal(t, DefaultPack().Messages.ProviderExhausted, p.Messages.ProviderExhausted)
	assert.Equal(t, DefaultPack().RealtimePrompt, p.RealtimePrompt)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("realtimePrompt: hello\n"), 0o600))
	_, err = LoadPack(bad)
	assert.Error(t, err)
}
