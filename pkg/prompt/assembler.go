package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/harunnryd/callorch/pkg/logging"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/retrieval"
)

// Summarizer fetches the knowledge base overview used in the base prompt.
type Summarizer interface {
	Summary(ctx context.Context, ref metadata.KnowledgeRef) (string, error)
}

// Context is an assembled system prompt. It is a value: WithKnowledge returns a new
// Context and leaves the receiver untouched.
type Context struct {
	base      string
	header    string
	knowledge []retrieval.Chunk
}

// Base is the prompt without any per-turn knowledge.
func (c Context) Base() string { return c.base }

// Knowledge returns a copy of the injected chunks.
func (c Context) Knowledge() []retrieval.Chunk {
	return append([]retrieval.Chunk(nil), c.knowledge...)
}

// WithKnowledge returns a Context whose knowledge block is replaced by chunks.
func (c Context) WithKnowledge(chunks []retrieval.Chunk) Context {
	return Context{base: c.base, header: c.header, knowledge: append([]retrieval.Chunk(nil), chunks...)}
}

// System renders the full system message.
func (c Context) System() string {
	if len(c.knowledge) == 0 {
		return c.base
	}
	var b strings.Builder
	b.WriteString(c.base)
	b.WriteString("\n\n")
	b.WriteString(c.header)
	for i, ch := range c.knowledge {
		fmt.Fprintf(&b, "\n[%d]", i+1)
		if ch.Source != "" {
			fmt.Fprintf(&b, " (%s", ch.Source)
			if ch.Page > 0 {
				fmt.Fprintf(&b, ", page %d", ch.Page)
			}
			b.WriteString(")")
		}
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(ch.Text))
	}
	return b.String()
}

type Assembler struct {
	pack    Pack
	summary Summarizer
	logger  *slog.Logger
	now     func() time.Time
}

func NewAssembler(pack Pack, summary Summarizer, logger *slog.Logger) *Assembler {
	return &Assembler{
		pack:    pack,
		summary: summary,
		logger:  logging.NewComponentLogger(logger, "prompt"),
		now:     time.Now,
	}
}

func (a *Assembler) Pack() Pack { return a.pack }

// Assemble renders the base prompt for cfg. A failed or slow summary lookup yields a
// prompt without the overview and degraded=true; it never fails the call.
func (a *Assembler) Assemble(ctx context.Context, cfg metadata.AgentConfig) (Context, bool) {
	summary := ""
	degraded := false
	if a.summary != nil && !cfg.Knowledge.Empty() {
		s, err := a.summary.Summary(ctx, cfg.Knowledge)
		if err != nil {
			degraded = true
			a.logger.Warn("prompt_summary_unavailable",
				slog.String("chatbot_id", cfg.ChatbotID),
				slog.String("kb", cfg.Knowledge.String()),
				slog.String("error", err.Error()))
		}
		summary = s
	}
	base := strings.NewReplacer(
		"{AGENT_MODE_INSTRUCTIONS}", a.pack.ToolUsage,
		"{KBSummary}", summary,
		"{customMasterInstructions}", cfg.CustomInstructions,
		"{currentDate}", a.now().Format(time.RFC3339),
	).Replace(a.pack.RealtimePrompt)
	return Context{base: strings.TrimSpace(base), header: a.pack.KnowledgeHeader}, degraded
}

// Greeting returns the instruction used to generate the opening line. Stored caller
// memory, when present, is folded in as sorted key: value lines.
func (a *Assembler) Greeting(memory map[string]string) string {
	if len(memory) == 0 {
		return strings.TrimSpace(a.pack.Greeting)
	}
	keys := make([]string, 0, len(memory))
	for k := range memory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+memory[k])
	}
	return strings.TrimSpace(strings.ReplaceAll(a.pack.GreetingWithMemory, "{memory}", strings.Join(lines, "\n")))
}
