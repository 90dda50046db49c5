package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ferro-labs/bookbot/internal/retry"
)

func newOpenAITestServer(t *testing.T, status *atomic.Int32) (*httptest.Server, *atomic.Value) {
	t.Helper()
	lastBody := &atomic.Value{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		lastBody.Store(body)

		if code := int(status.Load()); code != 0 && code != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream says no","type":"error"}}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			_, _ = w.Write([]byte(`{
				"id": "chatcmpl-1",
				"object": "chat.completion",
				"created": 1700000000,
				"model": "llama-3.3-70b",
				"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello there"}, "finish_reason": "stop"}],
				"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
			}`))
		case strings.HasSuffix(r.URL.Path, "/embeddings"):
			_, _ = w.Write([]byte(`{
				"object": "list",
				"model": "text-embedding-bge-m3",
				"data": [{"object": "embedding", "index": 0, "embedding": [0.5, -0.25, 1]}],
				"usage": {"prompt_tokens": 2, "total_tokens": 2}
			}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, lastBody
}

func TestOpenAICompatible_Generate(t *testing.T) {
	var status atomic.Int32
	srv, lastBody := newOpenAITestServer(t, &status)

	p, err := NewOpenAICompatible(ProviderVenice, Config{APIKey: "k", BaseURL: srv.URL, Model: "llama-3.3-70b", Temperature: 0.7})
	if err != nil {
		t.Fatal(err)
	}
	temp := 0.3
	gen, err := p.Generate(context.Background(), Request{Prompt: "Who wrote it?", Context: "Book: Dune", Temperature: &temp})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if gen.Text != "hello there" || gen.InputTokens != 12 || gen.OutputTokens != 3 {
		t.Fatalf("unexpected generation %+v", gen)
	}

	body := lastBody.Load().(map[string]any)
	if body["model"] != "llama-3.3-70b" {
		t.Errorf("model = %v", body["model"])
	}
	if body["temperature"] != 0.3 {
		t.Errorf("temperature = %v, want 0.3", body["temperature"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system and user messages, got %v", msgs)
	}
	if sys := msgs[0].(map[string]any); sys["role"] != "system" || !strings.Contains(sys["content"].(string), "Dune") {
		t.Errorf("unexpected system message %v", sys)
	}
}

func TestOpenAICompatible_Embed(t *testing.T) {
	var status atomic.Int32
	srv, _ := newOpenAITestServer(t, &status)

	p, _ := NewOpenAICompatible(ProviderVenice, Config{APIKey: "k", BaseURL: srv.URL, Model: "text-embedding-bge-m3"})
	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.5 || vec[1] != -0.25 {
		t.Fatalf("unexpected vector %v", vec)
	}
}

func TestOpenAICompatible_ErrorClassification(t *testing.T) {
	tests := []struct {
		code      int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			var status atomic.Int32
			status.Store(int32(tt.code))
			srv, _ := newOpenAITestServer(t, &status)

			p, _ := NewOpenAICompatible(ProviderOpenAI, Config{APIKey: "k", BaseURL: srv.URL, Model: "gpt-4o-mini"})
			_, err := p.Generate(context.Background(), Request{Prompt: "hi"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := retry.IsTransient(err); got != tt.transient {
				t.Fatalf("IsTransient = %v, want %v (err: %v)", got, tt.transient, err)
			}
		})
	}
}

func TestNewOpenAICompatible_RequiresKey(t *testing.T) {
	if _, err := NewOpenAICompatible(ProviderVenice, Config{}); err == nil {
		t.Fatal("expected error without api key")
	}
	if _, err := NewOpenAICompatible(ProviderOllama, Config{BaseURL: OllamaBaseURL}); err != nil {
		t.Fatalf("ollama needs no key: %v", err)
	}
}

func TestNew_Providers(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"", ProviderVenice, ProviderOpenAI, ProviderAnthropic} {
		c, err := New(ctx, Config{Provider: name, APIKey: "k"})
		if err != nil {
			t.Fatalf("New(%q) error: %v", name, err)
		}
		want := name
		if want == "" {
			want = ProviderVenice
		}
		if c.Name() != want {
			t.Errorf("New(%q).Name() = %q", name, c.Name())
		}
	}
	if c, err := New(ctx, Config{Provider: ProviderOffline}); err != nil || c.Name() != ProviderOffline {
		t.Fatalf("offline: %v", err)
	}
	if _, err := New(ctx, Config{Provider: "nope"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestAnthropic_EmbedUnsupported(t *testing.T) {
	a, err := NewAnthropic(Config{APIKey: "k", Model: DefaultAnthropicModel})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Embed(context.Background(), "x"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if CanEmbed(ProviderAnthropic) {
		t.Fatal("CanEmbed(anthropic) should be false")
	}
}

func TestAnthropic_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant",
			"model": "claude-3-5-haiku-20241022",
			"content": [{"type": "text", "text": "bonjour"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 9, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	a, _ := NewAnthropic(Config{APIKey: "k", BaseURL: srv.URL, Model: DefaultAnthropicModel})
	gen, err := a.Generate(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if gen.Text != "bonjour" || gen.InputTokens != 9 || gen.OutputTokens != 2 {
		t.Fatalf("unexpected generation %+v", gen)
	}
}
