package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// bedrockInvoker is the subset of the Bedrock runtime client used here.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Bedrock generates with Anthropic Claude models and embeds with Amazon
// Titan models through the Bedrock runtime InvokeModel API.
type Bedrock struct {
	cfg    Config
	client bedrockInvoker
}

// NewBedrock creates a Bedrock backend. Credentials come from the default
// AWS chain unless cfg.APIKey holds "ACCESS_KEY_ID:SECRET_ACCESS_KEY".
func NewBedrock(ctx context.Context, cfg Config) (*Bedrock, error) {
	if cfg.Region == "" {
		cfg.Region = defaultBedrockRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if id, secret, ok := strings.Cut(cfg.APIKey, ":"); ok {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}
	return &Bedrock{cfg: cfg, client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

// Name returns the provider name.
func (b *Bedrock) Name() string { return ProviderBedrock }

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature"`
	System           string           `json:"system,omitempty"`
}

type bedrockAnthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// Generate invokes an Anthropic model hosted on Bedrock.
func (b *Bedrock) Generate(ctx context.Context, req Request) (*Generation, error) {
	if !strings.HasPrefix(b.cfg.Model, "anthropic.") && !strings.Contains(b.cfg.Model, ".anthropic.") {
		return nil, fmt.Errorf("bedrock model %s: %w", b.cfg.Model, ErrUnsupported)
	}
	body, err := json.Marshal(bedrockAnthropicRequest{
		AnthropicVersion: anthropicBedrockAPIVersion,
		MaxTokens:        b.cfg.maxTokens(req),
		Messages:         []bedrockMessage{{Role: "user", Content: req.Prompt}},
		Temperature:      b.cfg.temperature(req),
		System:           contextSystemPrompt(req),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	out, err := b.invoke(ctx, b.cfg.Model, body)
	if err != nil {
		return nil, err
	}
	var resp bedrockAnthropicResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("bedrock: unmarshal response: %w", err)
	}
	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("bedrock: %w", ErrEmptyResponse)
	}
	return &Generation{
		Text:         text.String(),
		Model:        b.cfg.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// Embed invokes an Amazon Titan embedding model.
func (b *Bedrock) Embed(ctx context.Context, text string) ([]float32, error) {
	if !strings.HasPrefix(b.cfg.Model, "amazon.titan-embed") {
		return nil, fmt.Errorf("bedrock embeddings with %s: %w", b.cfg.Model, ErrUnsupported)
	}
	body, err := json.Marshal(titanEmbedRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal embed request: %w", err)
	}
	out, err := b.invoke(ctx, b.cfg.Model, body)
	if err != nil {
		return nil, err
	}
	var resp titanEmbedResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("bedrock: unmarshal embed response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("bedrock embeddings: %w", ErrEmptyResponse)
	}
	return resp.Embedding, nil
}

func (b *Bedrock) invoke(ctx context.Context, model string, body []byte) ([]byte, error) {
	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyBedrock(err)
	}
	return out.Body, nil
}

// classifyBedrock treats throttling, timeouts and service-side faults as
// transient.
func classifyBedrock(err error) error {
	var throttled *types.ThrottlingException
	var unavailable *types.ServiceUnavailableException
	var timeout *types.ModelTimeoutException
	var internal *types.InternalServerException
	if errors.As(err, &throttled) || errors.As(err, &unavailable) ||
		errors.As(err, &timeout) || errors.As(err, &internal) {
		return markTransient(fmt.Errorf("bedrock invoke failed: %w", err))
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultServer {
		return markTransient(fmt.Errorf("bedrock invoke failed: %w", err))
	}
	if errors.As(err, &apiErr) {
		return fmt.Errorf("bedrock invoke failed: %w", err)
	}
	return classifyTransport(ProviderBedrock, err)
}

func contextSystemPrompt(req Request) string {
	if strings.TrimSpace(req.Context) == "" {
		return ""
	}
	return "Use the following context when answering.\n\n" + req.Context
}
