package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic generates with the Anthropic Messages API. It has no embeddings
// endpoint; pair it with another Embedder.
type Anthropic struct {
	cfg    Config
	client anthropic.Client
}

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.timeout()),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{cfg: cfg, client: anthropic.NewClient(opts...)}, nil
}

// Name returns the provider name.
func (a *Anthropic) Name() string { return ProviderAnthropic }

// Generate sends a single-turn message.
func (a *Anthropic) Generate(ctx context.Context, req Request) (*Generation, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.cfg.Model),
		MaxTokens:   int64(a.cfg.maxTokens(req)),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		Temperature: anthropic.Float(a.cfg.temperature(req)),
	}
	if sys := contextSystemPrompt(req); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			err = fmt.Errorf("anthropic: %w", err)
			if transientStatus(apiErr.StatusCode) {
				return nil, markTransient(err)
			}
			return nil, err
		}
		return nil, classifyTransport(ProviderAnthropic, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}
	return &Generation{
		Text:         text.String(),
		Model:        string(resp.Model),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// Embed is not supported by the Anthropic API.
func (a *Anthropic) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("anthropic embeddings: %w", ErrUnsupported)
}
