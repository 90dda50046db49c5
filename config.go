package bookbot

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/bookbot/internal/agents"
	"github.com/ferro-labs/bookbot/internal/cache"
	"github.com/ferro-labs/bookbot/internal/circuitbreaker"
	"github.com/ferro-labs/bookbot/internal/llm"
	"github.com/ferro-labs/bookbot/internal/ratelimit"
	"github.com/ferro-labs/bookbot/internal/retry"
	"github.com/ferro-labs/bookbot/internal/usage"
	"github.com/ferro-labs/bookbot/internal/vectorstore"
)

// Config holds the configuration for BookBot.
type Config struct {
	// LLM selects the text generation backend.
	LLM LLMConfig `json:"llm" yaml:"llm"`
	// Embeddings selects the embedding backend. An empty provider reuses the
	// LLM provider when it can embed and falls back to offline embeddings.
	Embeddings LLMConfig `json:"embeddings" yaml:"embeddings"`

	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	RateLimit   RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	Resources   ResourcesConfig   `json:"resources" yaml:"resources"`
	Usage       UsageConfig       `json:"usage" yaml:"usage"`
	Retry       RetryConfig       `json:"retry" yaml:"retry"`
	Breaker     BreakerConfig     `json:"breaker" yaml:"breaker"`
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	VectorStore VectorStoreConfig `json:"vector_store" yaml:"vector_store"`

	Selection     SelectionConfig     `json:"selection" yaml:"selection"`
	Summarization SummarizationConfig `json:"summarization" yaml:"summarization"`
	Query         QueryConfig         `json:"query" yaml:"query"`

	Server ServerConfig `json:"server" yaml:"server"`
	Log    LogConfig    `json:"log" yaml:"log"`
}

// LLMConfig configures one llm backend.
type LLMConfig struct {
	Provider    string   `json:"provider" yaml:"provider"`
	APIKey      string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL     string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Region      string   `json:"region,omitempty" yaml:"region,omitempty"`
	Timeout     Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func (c LLMConfig) llmConfig() llm.Config {
	return llm.Config{
		Provider:    c.Provider,
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		Region:      c.Region,
		Timeout:     c.Timeout.Std(),
	}
}

// CacheConfig bounds the LLM response caches.
type CacheConfig struct {
	TTL        Duration `json:"ttl" yaml:"ttl"`
	MaxEntries int      `json:"max_entries" yaml:"max_entries"`
	MaxBytes   int64    `json:"max_bytes" yaml:"max_bytes"`
}

func (c CacheConfig) cacheConfig() cache.Config {
	return cache.Config{TTL: c.TTL.Std(), MaxEntries: c.MaxEntries, MaxBytes: c.MaxBytes}
}

// RateLimitConfig is a sliding-window limit with an optional burst allowance.
type RateLimitConfig struct {
	RequestsPerWindow int      `json:"requests_per_window" yaml:"requests_per_window"`
	Window            Duration `json:"window" yaml:"window"`
	Burst             int      `json:"burst" yaml:"burst"`
	// WaitTimeout bounds how long an LLM call waits for a token.
	WaitTimeout Duration `json:"wait_timeout,omitempty" yaml:"wait_timeout,omitempty"`
}

// LimiterConfig converts c for ratelimit.New and ratelimit.NewStore.
func (c RateLimitConfig) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerWindow: c.RequestsPerWindow,
		Window:            c.Window.Std(),
		Burst:             c.Burst,
	}
}

// ResourcesConfig is the VRAM budget shared by agents.
type ResourcesConfig struct {
	TotalVRAM float64 `json:"total_vram" yaml:"total_vram"`
	// AgentVRAM overrides the per-call allocation of an agent by name.
	AgentVRAM map[string]float64 `json:"agent_vram,omitempty" yaml:"agent_vram,omitempty"`
}

// VRAMFor returns the allocation for the named agent.
func (c ResourcesConfig) VRAMFor(name string) float64 {
	if v, ok := c.AgentVRAM[name]; ok {
		return v
	}
	return agents.DefaultVRAM
}

// UsageConfig configures token accounting.
type UsageConfig struct {
	// LogPath is an NDJSON file receiving one record per call. Empty disables it.
	LogPath string `json:"log_path,omitempty" yaml:"log_path,omitempty"`
	// Database also records usage in the configured database.
	Database    bool `json:"database,omitempty" yaml:"database,omitempty"`
	usage.Rates `yaml:",inline"`
}

// RetryConfig is the backoff policy for transient LLM failures.
type RetryConfig struct {
	Attempts  int      `json:"attempts" yaml:"attempts"`
	BaseDelay Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay  Duration `json:"max_delay" yaml:"max_delay"`
}

func (c RetryConfig) policy() retry.Policy {
	return retry.Policy{Attempts: c.Attempts, BaseDelay: c.BaseDelay.Std(), MaxDelay: c.MaxDelay.Std()}
}

// BreakerConfig configures the circuit breaker in front of the LLM.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold" yaml:"success_threshold"`
	Timeout          Duration `json:"timeout" yaml:"timeout"`
}

func (c BreakerConfig) breakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          c.Timeout.Std(),
	}
}

// DatabaseConfig selects the book store.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// VectorStoreConfig selects where embeddings are kept.
type VectorStoreConfig struct {
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress,omitempty"`
}

func (c VectorStoreConfig) storeConfig() vectorstore.Config {
	return vectorstore.Config{Path: c.Path, Collection: c.Collection, Compress: c.Compress}
}

// SelectionConfig tunes the selection agent.
type SelectionConfig struct {
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// SummarizationConfig tunes the summarization agent.
type SummarizationConfig struct {
	ChunkWords int `json:"chunk_words" yaml:"chunk_words"`
}

// QueryConfig tunes the query agent.
type QueryConfig struct {
	Results int `json:"results" yaml:"results"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `json:"addr" yaml:"addr"`
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	// ClientRateLimit limits requests per client IP. Zero requests disables it.
	ClientRateLimit RateLimitConfig `json:"client_rate_limit,omitempty" yaml:"client_rate_limit,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// EmbeddingConfig resolves the embedding backend: an explicit embeddings
// section wins, otherwise the LLM provider is reused when it can embed.
func (c Config) EmbeddingConfig() LLMConfig {
	e := c.Embeddings
	if e.Provider == "" {
		if !llm.CanEmbed(c.LLM.Provider) {
			return LLMConfig{Provider: llm.ProviderOffline}
		}
		e = LLMConfig{
			Provider: c.LLM.Provider,
			APIKey:   c.LLM.APIKey,
			BaseURL:  c.LLM.BaseURL,
			Region:   c.LLM.Region,
			Timeout:  c.LLM.Timeout,
		}
	}
	if e.Model == "" {
		e.Model = llm.DefaultEmbedModel(e.Provider)
	}
	return e
}

// Duration is a time.Duration read from config as a Go duration string
// ("90s", "1h"). Plain numbers are taken as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(x * float64(time.Second))
	case int:
		*d = Duration(time.Duration(x) * time.Second)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
