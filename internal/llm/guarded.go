package llm

import (
	"context"
	"slices"
	"time"

	"github.com/ferro-labs/bookbot/internal/cache"
	"github.com/ferro-labs/bookbot/internal/circuitbreaker"
	"github.com/ferro-labs/bookbot/internal/logging"
	"github.com/ferro-labs/bookbot/internal/metrics"
	"github.com/ferro-labs/bookbot/internal/ratelimit"
	"github.com/ferro-labs/bookbot/internal/retry"
	"github.com/ferro-labs/bookbot/internal/usage"
)

// GuardedConfig wires the shared substrate into a Guarded client. Nil
// components are skipped.
type GuardedConfig struct {
	Limiter *ratelimit.Limiter
	// WaitTimeout bounds how long a call waits for a rate-limit token.
	// Zero or less waits until ctx is done.
	WaitTimeout time.Duration
	Breaker     *circuitbreaker.CircuitBreaker
	Retry       retry.Policy
	Cache       *cache.Memory[Generation]
	EmbedCache  *cache.Memory[[]float32]
	Tracker     *usage.Tracker
}

// Guarded wraps a Generator and an Embedder. Each upstream attempt first
// waits for a rate-limit token, then passes the circuit breaker; transient
// failures are retried with backoff. Successful results are cached and
// generation usage is recorded with the tracker.
type Guarded struct {
	gen Generator
	emb Embedder
	cfg GuardedConfig
}

// NewGuarded creates a Guarded client. emb may be nil if Embed is never called.
func NewGuarded(gen Generator, emb Embedder, cfg GuardedConfig) *Guarded {
	return &Guarded{gen: gen, emb: emb, cfg: cfg}
}

// Name returns the wrapped generator's name.
func (g *Guarded) Name() string { return g.gen.Name() }

// Generate implements Generator.
func (g *Guarded) Generate(ctx context.Context, req Request) (*Generation, error) {
	fresh := false
	out, err := cached(ctx, g.cfg.Cache, cache.Key("generate", g.gen.Name(), req), func(ctx context.Context) (Generation, error) {
		fresh = true
		var gen *Generation
		err := g.call(ctx, g.gen.Name(), "generate", func(ctx context.Context) error {
			var err error
			gen, err = g.gen.Generate(ctx, req)
			return err
		})
		if err != nil {
			return Generation{}, err
		}
		if g.cfg.Tracker != nil {
			// The call succeeded and the counters are updated; a failed usage
			// log write is reported but does not discard the result.
			if err := g.cfg.Tracker.AddUsage(ctx, gen.InputTokens, gen.OutputTokens); err != nil {
				logging.FromContext(ctx).Error("usage log write failed", "provider", g.gen.Name(), "error", err)
			}
		}
		return *gen, nil
	})
	if err != nil {
		return nil, err
	}
	out.Cached = !fresh
	return &out, nil
}

// Embed implements Embedder.
func (g *Guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.emb == nil {
		return nil, ErrUnsupported
	}
	name := nameOf(g.emb)
	vec, err := cached(ctx, g.cfg.EmbedCache, cache.Key("embed", name, text), func(ctx context.Context) ([]float32, error) {
		var vec []float32
		err := g.call(ctx, name, "embed", func(ctx context.Context) error {
			var err error
			vec, err = g.emb.Embed(ctx, text)
			return err
		})
		return vec, err
	})
	if err != nil {
		return nil, err
	}
	// The cache holds its own copy; callers may modify the result.
	return slices.Clone(vec), nil
}

// cached runs compute through c, or directly when no cache is configured.
func cached[V any](ctx context.Context, c *cache.Memory[V], key string, compute func(context.Context) (V, error)) (V, error) {
	if c == nil {
		return compute(ctx)
	}
	return c.GetOrCompute(ctx, key, compute)
}

func (g *Guarded) call(ctx context.Context, provider, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := retry.Do(ctx, g.cfg.Retry, retry.IsTransient, func(ctx context.Context) error {
		if g.cfg.Limiter != nil && !g.cfg.Limiter.WaitForToken(ctx, g.cfg.WaitTimeout) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrRateLimited
		}
		if g.cfg.Breaker == nil {
			return fn(ctx)
		}
		return g.cfg.Breaker.Execute(ctx, fn, retry.IsTransient)
	})
	metrics.LLMRequestDuration.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
	if err != nil {
		class := ErrorClass(err)
		metrics.LLMErrors.WithLabelValues(provider, class).Inc()
		logging.FromContext(ctx).Warn("llm call failed",
			"provider", provider, "operation", op, "class", class, "error", err)
	}
	return err
}

func nameOf(v any) string {
	if n, ok := v.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "embedder"
}
