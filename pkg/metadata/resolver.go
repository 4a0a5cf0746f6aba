package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/callorch/pkg/errorsx"
	"github.com/harunnryd/callorch/pkg/logging"
)

var ErrNotFound = errors.New("metadata: no agent config for destination")

// Store reads agent definitions. Lookups that match several rows must pick one
// deterministically.
type Store interface {
	ChatbotByID(ctx context.Context, id string) (Chatbot, error)
	ChatbotByTrunk(ctx context.Context, trunkNumber string) (Chatbot, error)
	MCPServerURLs(ctx context.Context, customerID string) ([]string, error)
}

type Config struct {
	DefaultEnvironment   string        `mapstructure:"default_environment"`
	DefaultHandoffTarget string        `mapstructure:"default_handoff_target"`
	UnitCost             int64         `mapstructure:"unit_cost"`
	TokensPerCredit      int           `mapstructure:"tokens_per_credit"`
	MinimumCredits       int64         `mapstructure:"minimum_credits"`
	Timeout              time.Duration `mapstructure:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.DefaultEnvironment == "" {
		c.DefaultEnvironment = "groq"
	}
	if c.UnitCost <= 0 {
		c.UnitCost = 20
	}
	if c.TokensPerCredit <= 0 {
		c.TokensPerCredit = 70
	}
	if c.MinimumCredits <= 0 {
		c.MinimumCredits = 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	return c
}

// Request is what the telephony edge knows about a call when it arrives.
type Request struct {
	CallID      string
	TrunkNumber string
	Dispatch    *Dispatch
}

// Resolver maps a trunk number or dispatch payload to an AgentConfig. It only reads.
type Resolver struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

func NewResolver(store Store, cfg Config, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, cfg: cfg.withDefaults(), logger: logging.NewComponentLogger(logger, "metadata")}
}

// Resolve returns ErrNotFound when neither the dispatch nor the trunk names a usable
// config. Lookups exceeding the configured timeout are reported as not found too.
func (r *Resolver) Resolve(ctx context.Context, req Request) (AgentConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	d := Dispatch{}
	if req.Dispatch != nil {
		d = *req.Dispatch
	}
	bot, err := r.lookup(ctx, d.ChatbotID, req.TrunkNumber)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("metadata_lookup_timeout", "call_id", req.CallID, "trunk", req.TrunkNumber)
			err = fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return AgentConfig{}, errorsx.Wrap(err, errorsx.ReasonUnresolvableDestination)
	}

	cfg := AgentConfig{
		ChatbotID:          bot.ID,
		CustomerID:         firstNonEmpty(d.CustomerID, bot.CustomerID),
		ConversationID:     firstNonEmpty(d.ConversationID, req.CallID),
		UserSessionID:      d.UserSessionID,
		CustomInstructions: firstNonEmpty(d.CustomPrompt, bot.CustomPrompt),
		Providers: ProviderPrefs{
			Environment: normalizeEnvironment(firstNonEmpty(d.Environment, bot.Environment, r.cfg.DefaultEnvironment)),
			LLMModel:    firstNonEmpty(d.LLMName, bot.LLMName),
			Voice:       firstNonEmpty(d.Voice, bot.Voice),
			LLM:         cloneStrings(bot.LLMProviders),
			TTS:         cloneStrings(bot.TTSProviders),
			STT:         cloneStrings(bot.STTProviders),
		},
		Knowledge: KnowledgeRef{
			Namespace: firstNonEmpty(d.Namespace, bot.Namespace),
			Index:     firstNonEmpty(d.IndexName, bot.IndexName),
		},
		CreditRate: CreditRate{
			UnitCost:        r.cfg.UnitCost,
			TokensPerCredit: r.cfg.TokensPerCredit,
			Minimum:         r.cfg.MinimumCredits,
		},
		HandoffTarget: firstNonEmpty(d.HandoffTarget, bot.HandoffTarget, r.cfg.DefaultHandoffTarget),
		Outbound:      d.Outbound || req.Dispatch != nil,
		UpdatedAt:     bot.UpdatedAt,
	}
	if bot.UnitCost > 0 {
		cfg.CreditRate.UnitCost = bot.UnitCost
	}
	if cfg.CustomerID == "" {
		return AgentConfig{}, errorsx.Wrap(fmt.Errorf("chatbot %s has no customer: %w", bot.ID, ErrNotFound), errorsx.ReasonUnresolvableDestination)
	}

	urls, err := r.store.MCPServerURLs(ctx, cfg.CustomerID)
	if err != nil {
		r.logger.Warn("metadata_mcp_lookup_failed", "customer_id", cfg.CustomerID, "error", err.Error())
	}
	cfg.MCPServers = cloneStrings(urls)

	r.logger.Info("metadata_resolved",
		"call_id", req.CallID, "chatbot_id", cfg.ChatbotID, "customer_id", cfg.CustomerID,
		"environment", cfg.Providers.Environment, "outbound", cfg.Outbound)
	return cfg, nil
}

// Dispatch-supplied chatbot IDs win over the trunk mapping.
func (r *Resolver) lookup(ctx context.Context, chatbotID, trunk string) (Chatbot, error) {
	if id := strings.TrimSpace(chatbotID); id != "" {
		bot, err := r.store.ChatbotByID(ctx, id)
		if err == nil || !errors.Is(err, ErrNotFound) || strings.TrimSpace(trunk) == "" {
			return bot, err
		}
	}
	if t := strings.TrimSpace(trunk); t != "" {
		return r.store.ChatbotByTrunk(ctx, t)
	}
	return Chatbot{}, ErrNotFound
}
