package bookbot

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/bookbot/internal/agents"
	"github.com/ferro-labs/bookbot/internal/llm"
	"github.com/ferro-labs/bookbot/internal/usage"
	"github.com/ferro-labs/bookbot/internal/vectorstore"
)

// DefaultConfig returns the configuration used for any setting a config file
// leaves out.
func DefaultConfig() Config {
	return Config{
		LLM: LLMConfig{
			Provider:    llm.ProviderVenice,
			MaxTokens:   llm.DefaultMaxTokens,
			Temperature: llm.DefaultTemperature,
			Timeout:     Duration(llm.DefaultRequestTimeout),
		},
		Cache: CacheConfig{
			TTL:        Duration(time.Hour),
			MaxEntries: 1000,
			MaxBytes:   64 << 20,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 20,
			Window:            Duration(time.Minute),
			WaitTimeout:       Duration(30 * time.Second),
		},
		Resources: ResourcesConfig{TotalVRAM: 64},
		Usage:     UsageConfig{Rates: usage.DefaultRates},
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: Duration(200 * time.Millisecond),
			MaxDelay:  Duration(5 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          Duration(30 * time.Second),
		},
		Database:      DatabaseConfig{Driver: "sqlite", DSN: "bookbot.db"},
		VectorStore:   VectorStoreConfig{Path: "bookbot_vectors", Collection: vectorstore.DefaultCollection},
		Selection:     SelectionConfig{Threshold: agents.DefaultThreshold},
		Summarization: SummarizationConfig{ChunkWords: agents.DefaultChunkWords},
		Query:         QueryConfig{Results: agents.DefaultResults},
		Server:        ServerConfig{Addr: ":8080"},
		Log: LogConfig{
			Level:  os.Getenv("LOG_LEVEL"),
			Format: os.Getenv("LOG_FORMAT"),
		},
	}
}

// LoadConfig reads and parses a config file from the given path on top of
// DefaultConfig. ${VAR} references are expanded from the environment first.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	cfg := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	if err := validateProvider("llm", cfg.LLM.Provider); err != nil {
		return err
	}
	emb := cfg.EmbeddingConfig()
	if err := validateProvider("embeddings", emb.Provider); err != nil {
		return err
	}
	if !llm.CanEmbed(emb.Provider) {
		return fmt.Errorf("embeddings: provider %q cannot embed", emb.Provider)
	}
	if cfg.LLM.MaxTokens < 0 {
		return fmt.Errorf("llm: max_tokens must not be negative")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return fmt.Errorf("llm: temperature must be between 0 and 2")
	}

	if cfg.Cache.MaxEntries < 0 || cfg.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache: max_entries and max_bytes must not be negative")
	}

	if err := validateRateLimit("rate_limit", cfg.RateLimit); err != nil {
		return err
	}
	if cfg.Server.ClientRateLimit.RequestsPerWindow > 0 {
		if err := validateRateLimit("server.client_rate_limit", cfg.Server.ClientRateLimit); err != nil {
			return err
		}
	}

	if !positiveFinite(cfg.Resources.TotalVRAM) {
		return fmt.Errorf("resources: total_vram must be a positive number")
	}
	for name, v := range cfg.Resources.AgentVRAM {
		switch name {
		case agents.NameSelection, agents.NameLibrarian, agents.NameSummarization, agents.NameQuery:
		default:
			return fmt.Errorf("resources: unknown agent %q", name)
		}
		if !positiveFinite(v) || v > cfg.Resources.TotalVRAM {
			return fmt.Errorf("resources: vram of agent %q must be in (0, total_vram]", name)
		}
	}

	if cfg.Usage.InputPer1M < 0 || cfg.Usage.OutputPer1M < 0 {
		return fmt.Errorf("usage: rates must not be negative")
	}

	if cfg.Retry.Attempts < 1 {
		return fmt.Errorf("retry: attempts must be at least 1")
	}
	if cfg.Retry.BaseDelay < 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("retry: delays must satisfy 0 <= base_delay <= max_delay")
	}
	if cfg.Breaker.FailureThreshold < 1 || cfg.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker: thresholds must be at least 1")
	}
	if cfg.Breaker.Timeout <= 0 {
		return fmt.Errorf("breaker: timeout must be positive")
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return fmt.Errorf("database: postgres requires a dsn")
		}
	default:
		return fmt.Errorf("database: unsupported driver %q", cfg.Database.Driver)
	}

	if cfg.Selection.Threshold < 0 || cfg.Selection.Threshold > 100 {
		return fmt.Errorf("selection: threshold must be between 0 and 100")
	}
	if cfg.Summarization.ChunkWords < 0 || cfg.Query.Results < 0 {
		return fmt.Errorf("summarization.chunk_words and query.results must not be negative")
	}

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log: unknown format %q", cfg.Log.Format)
	}

	return nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

func validateProvider(section, provider string) error {
	switch strings.ToLower(provider) {
	case "", llm.ProviderVenice, llm.ProviderOpenAI, llm.ProviderOllama,
		llm.ProviderAnthropic, llm.ProviderBedrock, llm.ProviderOffline:
		return nil
	default:
		return fmt.Errorf("%s: unknown provider %q", section, provider)
	}
}

func validateRateLimit(section string, c RateLimitConfig) error {
	if c.RequestsPerWindow < 1 {
		return fmt.Errorf("%s: requests_per_window must be at least 1", section)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%s: window must be positive", section)
	}
	if c.Burst < 0 {
		return fmt.Errorf("%s: burst must not be negative", section)
	}
	if c.WaitTimeout < 0 {
		return fmt.Errorf("%s: wait_timeout must not be negative", section)
	}
	return nil
}
