// Package config loads the service configuration from YAML with environment expansion.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/callorch/pkg/driver"
	"github.com/harunnryd/callorch/pkg/handoff"
	"github.com/harunnryd/callorch/pkg/ledger"
	"github.com/harunnryd/callorch/pkg/metadata"
	"github.com/harunnryd/callorch/pkg/retrieval"
	"github.com/harunnryd/callorch/pkg/selector"
	"github.com/harunnryd/callorch/pkg/tools"
	"github.com/harunnryd/callorch/pkg/transcript"
	"github.com/harunnryd/callorch/pkg/transports/twilio"
)

type Config struct {
	Server       ServerConfig    `mapstructure:"server"`
	Log          LogConfig       `mapstructure:"log"`
	Twilio       twilio.Config   `mapstructure:"twilio"`
	Store        StoreConfig     `mapstructure:"store"`
	Ledger       ledger.Config   `mapstructure:"ledger"`
	Metadata     metadata.Config `mapstructure:"metadata"`
	Retrieval    RetrievalConfig `mapstructure:"retrieval"`
	Prompt       PromptConfig    `mapstructure:"prompt"`
	Providers    ProvidersConfig `mapstructure:"providers"`
	Handoff      handoff.Config  `mapstructure:"handoff"`
	Policy       PolicyConfig    `mapstructure:"policy"`
	Tools        ToolsConfig     `mapstructure:"tools"`
	Driver       driver.Config   `mapstructure:"driver"`
	Events       EventsConfig    `mapstructure:"events"`
	Metrics      MetricsConfig   `mapstructure:"metrics"`
	Timeouts     TimeoutsConfig  `mapstructure:"timeouts"`
	DrainTimeout time.Duration   `mapstructure:"drain_timeout"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	RedactPII bool   `mapstructure:"redact_pii"`
}

type StoreConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RetrievalConfig struct {
	retrieval.Config `mapstructure:",squash"`
	PineconeAPIKey   string `mapstructure:"pinecone_api_key"`
	EmbeddingAPIKey  string `mapstructure:"embedding_api_key"`
	EmbeddingBaseURL string `mapstructure:"embedding_base_url"`
	EmbeddingModel   string `mapstructure:"embedding_model"`
}

// Enabled reports whether a knowledge base backend is configured.
func (c RetrievalConfig) Enabled() bool {
	return strings.TrimSpace(c.PineconeAPIKey) != "" && strings.TrimSpace(c.EmbeddingAPIKey) != ""
}

type PromptConfig struct {
	PackPath string `mapstructure:"pack_path"`
}

type VendorConfig struct {
	Settings map[string]any `mapstructure:"settings"`
}

type VADConfig struct {
	EnergyThreshold float64       `mapstructure:"energy_threshold"`
	MinSpeech       time.Duration `mapstructure:"min_speech"`
	MinSilence      time.Duration `mapstructure:"min_silence"`
	Activation      float64       `mapstructure:"activation"`
}

type ProvidersConfig struct {
	// Vendors maps a vendor name (openai, groq, gemini, cartesia, elevenlabs, deepgram,
	// mock) to its settings. Only listed vendors are registered.
	Vendors  map[string]VendorConfig `mapstructure:"vendors"`
	Selector selector.Config         `mapstructure:"selector"`
	VAD      VADConfig               `mapstructure:"vad"`
}

type PolicyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ToolsConfig struct {
	TavilyAPIKey string          `mapstructure:"tavily_api_key"`
	MCP          tools.MCPConfig `mapstructure:"mcp"`
}

type EventsConfig struct {
	transcript.Config `mapstructure:",squash"`
	Kafka             transcript.KafkaConfig `mapstructure:"kafka"`
}

type MetricsConfig struct {
	// JSONLPath appends one JSON event per line; "-" writes to stdout.
	JSONLPath string `mapstructure:"jsonl_path"`
	Buffer    int    `mapstructure:"buffer"`
}

type TimeoutsConfig struct {
	Metadata    time.Duration `mapstructure:"metadata"`
	Credit      time.Duration `mapstructure:"credit"`
	Retrieval   time.Duration `mapstructure:"retrieval"`
	Admission   time.Duration `mapstructure:"admission"`
	MediaAttach time.Duration `mapstructure:"media_attach"`
	Grace       time.Duration `mapstructure:"grace"`
	Settle      time.Duration `mapstructure:"settle"`
	Retain      time.Duration `mapstructure:"retain"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	declareVendors(v, &cfg)
	expandEnvStrings(&cfg)
	cfg.applyTimeouts()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.redact_pii", true)
	v.SetDefault("twilio.voice_path", "/voice")
	v.SetDefault("twilio.ws_path", "/ws")
	v.SetDefault("twilio.status_callback_path", "/status")
	v.SetDefault("twilio.handoff_twiml_path", "/handoff/twiml")
	v.SetDefault("twilio.handoff_status_path", "/handoff/status")
	v.SetDefault("twilio.handoff_ring_seconds", 25)
	v.SetDefault("twilio.dial_ring_seconds", 30)
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("ledger.tokens_per_credit", 70)
	v.SetDefault("ledger.minimum_credits", 20)
	v.SetDefault("ledger.unit_cost", 20)
	v.SetDefault("ledger.stale_after", "15m")
	v.SetDefault("ledger.reap_interval", "1m")
	v.SetDefault("ledger.reap_batch", 100)
	v.SetDefault("metadata.default_environment", "open ai")
	v.SetDefault("retrieval.cache_ttl", "5m")
	v.SetDefault("retrieval.fetch_timeout", "10s")
	v.SetDefault("retrieval.default_k", 5)
	v.SetDefault("retrieval.page_k", 20)
	v.SetDefault("retrieval.embedding_model", "text-embedding-3-small")
	v.SetDefault("providers.selector.max_retries", 1)
	v.SetDefault("providers.selector.retry_backoff", "200ms")
	v.SetDefault("providers.selector.breaker_threshold", 3)
	v.SetDefault("providers.selector.breaker_cooldown", "30s")
	v.SetDefault("providers.vad.energy_threshold", 0.02)
	v.SetDefault("providers.vad.min_speech", "200ms")
	v.SetDefault("providers.vad.min_silence", "1200ms")
	v.SetDefault("providers.vad.activation", 0.6)
	v.SetDefault("handoff.join_timeout", "30s")
	v.SetDefault("handoff.max_attempts", 2)
	v.SetDefault("policy.enabled", true)
	v.SetDefault("driver.max_tool_steps", 8)
	v.SetDefault("driver.history_turns", 20)
	v.SetDefault("driver.speech.max_chars", 600)
	v.SetDefault("driver.speech.max_sentences", 4)
	v.SetDefault("events.buffer", 256)
	v.SetDefault("events.write_timeout", "5s")
	v.SetDefault("metrics.buffer", 1024)
	v.SetDefault("timeouts.metadata", "3s")
	v.SetDefault("timeouts.credit", "3s")
	v.SetDefault("timeouts.retrieval", "800ms")
	v.SetDefault("timeouts.admission", "8s")
	v.SetDefault("timeouts.media_attach", "15s")
	v.SetDefault("timeouts.grace", "2s")
	v.SetDefault("timeouts.settle", "10s")
	v.SetDefault("timeouts.retain", "10m")
	v.SetDefault("tools.mcp.enabled", true)
	v.SetDefault("tools.mcp.timeout", "5s")
	v.SetDefault("drain_timeout", "30s")
}

// declareVendors registers every vendor named under providers.vendors. Unmarshal drops
// entries without settings (`mock: {}` or a bare `mock:`), but declaring one is enough
// to enable it.
func declareVendors(v *viper.Viper, cfg *Config) {
	for name := range v.GetStringMap("providers.vendors") {
		if _, ok := cfg.Providers.Vendors[name]; ok {
			continue
		}
		if cfg.Providers.Vendors == nil {
			cfg.Providers.Vendors = make(map[string]VendorConfig)
		}
		cfg.Providers.Vendors[name] = VendorConfig{}
	}
}

// applyTimeouts copies the timeouts section onto the components that enforce each one.
func (c *Config) applyTimeouts() {
	if c.Timeouts.Metadata > 0 {
		c.Metadata.Timeout = c.Timeouts.Metadata
	}
	if c.Timeouts.Retrieval > 0 {
		c.Retrieval.Timeout = c.Timeouts.Retrieval
	}
	if c.Timeouts.Grace > 0 && c.Handoff.GracePeriod <= 0 {
		c.Handoff.GracePeriod = c.Timeouts.Grace
	}
	if c.Twilio.ServerAddr == "" {
		c.Twilio.ServerAddr = c.Server.Addr
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if strings.TrimSpace(c.Twilio.AccountSID) == "" || strings.TrimSpace(c.Twilio.AuthToken) == "" {
		return fmt.Errorf("twilio.account_sid and twilio.auth_token are required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if len(c.Providers.Vendors) == 0 {
		return fmt.Errorf("providers.vendors must configure at least one vendor")
	}
	if c.Ledger.TokensPerCredit < 0 || c.Ledger.MinimumCredits < 0 {
		return fmt.Errorf("ledger rates must not be negative")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	for name, vendor := range cfg.Providers.Vendors {
		vendor.Settings = expandSettings(vendor.Settings)
		cfg.Providers.Vendors[name] = vendor
	}
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				expandValue(v.Field(i))
			}
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
