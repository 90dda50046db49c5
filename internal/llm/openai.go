package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAICompatible talks to any API implementing the OpenAI chat-completions
// and embeddings endpoints: Venice, OpenAI itself and Ollama.
type OpenAICompatible struct {
	name   string
	cfg    Config
	client openai.Client
}

// NewOpenAICompatible creates a client. name is used in logs and metrics.
// An empty cfg.BaseURL targets api.openai.com.
func NewOpenAICompatible(name string, cfg Config) (*OpenAICompatible, error) {
	if cfg.APIKey == "" && name != ProviderOllama {
		return nil, fmt.Errorf("%s: api key is required", name)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.timeout()),
		// Retries are handled by Guarded.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAICompatible{
		name:   name,
		cfg:    cfg,
		client: openai.NewClient(opts...),
	}, nil
}

// Name returns the provider name.
func (p *OpenAICompatible) Name() string { return p.name }

// Generate sends a chat completion request.
func (p *OpenAICompatible) Generate(ctx context.Context, req Request) (*Generation, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if sys := contextSystemPrompt(req); sys != "" {
		msgs = append(msgs, openai.SystemMessage(sys))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:    msgs,
		Model:       p.cfg.Model,
		Temperature: openai.Float(p.cfg.temperature(req)),
		MaxTokens:   openai.Int(int64(p.cfg.maxTokens(req))),
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAI(p.name, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w", p.name, ErrEmptyResponse)
	}
	return &Generation{
		Text:         completion.Choices[0].Message.Content,
		Model:        completion.Model,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}, nil
}

// Embed sends an embedding request for a single text.
func (p *OpenAICompatible) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model:          p.cfg.Model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	result, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAI(p.name, err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("%s embeddings: %w", p.name, ErrEmptyResponse)
	}
	src := result.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}
	return vec, nil
}

// classifyOpenAI marks throttling and server errors as transient.
func classifyOpenAI(name string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		err = fmt.Errorf("%s: %w", name, err)
		if transientStatus(apiErr.StatusCode) {
			return markTransient(err)
		}
		return err
	}
	return classifyTransport(name, err)
}
