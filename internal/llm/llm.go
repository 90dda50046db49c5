// Package llm defines the Generator and Embedder interfaces the agents call,
// their backends (Venice and other OpenAI-compatible APIs, Anthropic, AWS
// Bedrock, and a deterministic offline backend), and Guarded, which puts the
// rate limiter, circuit breaker, retry policy, cache and usage tracker in
// front of any backend.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider names accepted by Config.Provider.
const (
	ProviderVenice    = "venice"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderOffline   = "offline"
)

// Default endpoints and models per provider.
const (
	VeniceBaseURL = "https://api.venice.ai/api/v1"
	OllamaBaseURL = "http://localhost:11434/v1"

	DefaultVeniceModel         = "llama-3.3-70b"
	DefaultVeniceEmbedModel    = "text-embedding-bge-m3"
	DefaultOpenAIModel         = "gpt-4o-mini"
	DefaultOpenAIEmbedModel    = "text-embedding-3-small"
	DefaultOllamaModel         = "llama3.1"
	DefaultOllamaEmbedModel    = "nomic-embed-text"
	DefaultAnthropicModel      = "claude-3-5-haiku-20241022"
	DefaultBedrockModel        = "anthropic.claude-3-5-haiku-20241022-v1:0"
	DefaultBedrockEmbedModel   = "amazon.titan-embed-text-v2:0"
	DefaultMaxTokens           = 2048
	DefaultTemperature         = 0.7
	DefaultRequestTimeout      = 60 * time.Second
	defaultBedrockRegion       = "us-east-1"
	anthropicBedrockAPIVersion = "bedrock-2023-05-31"
)

var (
	// ErrRateLimited is returned by Guarded when no rate-limit token became
	// available within the wait timeout.
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrUnsupported is returned when a backend does not implement an operation.
	ErrUnsupported = errors.New("llm: operation not supported by provider")
	// ErrEmptyResponse is returned when the upstream answered without content.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// Request is a single-turn generation request.
type Request struct {
	Prompt string `json:"prompt"`
	// Context is supplementary material (retrieved passages, book metadata)
	// sent alongside the prompt.
	Context string `json:"context,omitempty"`
	// Temperature overrides the configured default when non-nil.
	Temperature *float64 `json:"temperature,omitempty"`
	// MaxTokens overrides the configured default when positive.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Generation is a generated completion.
type Generation struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	// Cached is set when Guarded served the result from its cache.
	Cached bool `json:"cached,omitempty"`
}

// Generator produces text completions.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Generation, error)
}

// Embedder maps text to a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Client is a backend that can do both.
type Client interface {
	Generator
	Embedder
}

// Config selects and configures a backend.
type Config struct {
	Provider    string        `yaml:"provider" json:"provider"`
	APIKey      string        `yaml:"api_key" json:"api_key,omitempty"`
	BaseURL     string        `yaml:"base_url" json:"base_url,omitempty"`
	Model       string        `yaml:"model" json:"model,omitempty"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Temperature float64       `yaml:"temperature" json:"temperature,omitempty"`
	Region      string        `yaml:"region" json:"region,omitempty"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

func (c Config) maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return DefaultMaxTokens
}

func (c Config) temperature(req Request) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return c.Temperature
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultRequestTimeout
}

// New builds the backend named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderVenice:
		return NewOpenAICompatible(ProviderVenice, withDefaults(cfg, VeniceBaseURL, DefaultVeniceModel))
	case ProviderOpenAI:
		return NewOpenAICompatible(ProviderOpenAI, withDefaults(cfg, "", DefaultOpenAIModel))
	case ProviderOllama:
		return NewOpenAICompatible(ProviderOllama, withDefaults(cfg, OllamaBaseURL, DefaultOllamaModel))
	case ProviderAnthropic:
		return NewAnthropic(withDefaults(cfg, "", DefaultAnthropicModel))
	case ProviderBedrock:
		return NewBedrock(ctx, withDefaults(cfg, "", DefaultBedrockModel))
	case ProviderOffline:
		return NewOffline(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// DefaultEmbedModel returns the embedding model used for provider when none
// is configured.
func DefaultEmbedModel(provider string) string {
	switch strings.ToLower(provider) {
	case "", ProviderVenice:
		return DefaultVeniceEmbedModel
	case ProviderOpenAI:
		return DefaultOpenAIEmbedModel
	case ProviderOllama:
		return DefaultOllamaEmbedModel
	case ProviderBedrock:
		return DefaultBedrockEmbedModel
	default:
		return ""
	}
}

// CanEmbed reports whether the named provider has an embeddings API.
func CanEmbed(provider string) bool {
	return !strings.EqualFold(provider, ProviderAnthropic)
}

func withDefaults(cfg Config, baseURL, model string) Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
	}
	if cfg.Model == "" {
		cfg.Model = model
	}
	return cfg
}

// userContent combines a request's context and prompt into one message body.
func userContent(req Request) string {
	if strings.TrimSpace(req.Context) == "" {
		return req.Prompt
	}
	return "Context:\n" + req.Context + "\n\n" + req.Prompt
}
