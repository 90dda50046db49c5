// Package bookbot is a multi-agent library assistant. It selects books worth
// keeping, stores and indexes them, summarizes them, and answers questions
// from what it has indexed.
//
// The Library type is the main entry point: create one with New from a
// [Config] (usually loaded with [LoadConfig]) and call its agent methods.
// Every LLM call goes through one shared rate limiter, circuit breaker, retry
// policy, response cache and usage tracker, and every agent call holds a
// share of a fixed VRAM budget for its duration.
package bookbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferro-labs/bookbot/internal/agents"
	"github.com/ferro-labs/bookbot/internal/cache"
	"github.com/ferro-labs/bookbot/internal/circuitbreaker"
	"github.com/ferro-labs/bookbot/internal/library"
	"github.com/ferro-labs/bookbot/internal/llm"
	"github.com/ferro-labs/bookbot/internal/logging"
	"github.com/ferro-labs/bookbot/internal/metrics"
	"github.com/ferro-labs/bookbot/internal/ratelimit"
	"github.com/ferro-labs/bookbot/internal/resource"
	"github.com/ferro-labs/bookbot/internal/usage"
	"github.com/ferro-labs/bookbot/internal/vectorstore"
)

// EventHookFunc is called asynchronously after every agent call.
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// Event subject constants used when invoking hooks.
const (
	SubjectAgentCompleted = "bookbot.agent.completed"
	SubjectAgentFailed    = "bookbot.agent.failed"
)

// Option customizes New. Options replace the collaborators New would build
// from the config; injected collaborators are not closed by Close.
type Option func(*options)

type options struct {
	gen     llm.Generator
	emb     llm.Embedder
	store   library.Store
	vectors vectorstore.Store
	sink    usage.Sink
}

// WithGenerator sets the text generation backend.
func WithGenerator(g llm.Generator) Option { return func(o *options) { o.gen = g } }

// WithEmbedder sets the embedding backend used by the default vector store.
func WithEmbedder(e llm.Embedder) Option { return func(o *options) { o.emb = e } }

// WithStore sets the book store.
func WithStore(s library.Store) Option { return func(o *options) { o.store = s } }

// WithVectorStore sets the vector store.
func WithVectorStore(v vectorstore.Store) Option { return func(o *options) { o.vectors = v } }

// WithUsageSink adds a sink receiving every usage record.
func WithUsageSink(s usage.Sink) Option { return func(o *options) { o.sink = s } }

// Library wires the agents to the shared substrate.
type Library struct {
	cfg Config

	limiter   *ratelimit.Limiter
	breaker   *circuitbreaker.CircuitBreaker
	genCache  *cache.Memory[llm.Generation]
	embCache  *cache.Memory[[]float32]
	tracker   *usage.Tracker
	allocator *resource.Allocator
	llm       *llm.Guarded
	store     library.Store

	selection  *agents.SelectionAgent
	librarian  *agents.Librarian
	summarizer *agents.Summarizer
	query      *agents.QueryAgent

	seq     atomic.Uint64
	mu      sync.RWMutex
	hooks   []EventHookFunc
	closers []io.Closer
	closed  bool
}

// New validates cfg and builds a Library. ctx bounds backend setup (for
// example loading AWS credentials).
func New(ctx context.Context, cfg Config, opts ...Option) (l *Library, err error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	l = &Library{cfg: cfg}
	defer func() {
		if err != nil {
			l.closeAll()
		}
	}()

	gen := o.gen
	if gen == nil {
		if gen, err = llm.New(ctx, cfg.LLM.llmConfig()); err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
	}
	emb := o.emb
	if emb == nil {
		client, err := llm.New(ctx, cfg.EmbeddingConfig().llmConfig())
		if err != nil {
			return nil, fmt.Errorf("embeddings: %w", err)
		}
		emb = client
	}

	sink, err := l.usageSink(o.sink)
	if err != nil {
		return nil, err
	}
	l.tracker = usage.NewTracker(cfg.Usage.Rates, sink)
	l.limiter = ratelimit.New("llm", cfg.RateLimit.LimiterConfig())
	l.breaker = circuitbreaker.New("llm", cfg.Breaker.breakerConfig())
	l.genCache = cache.NewMemory[llm.Generation]("generate", cfg.Cache.cacheConfig())
	l.embCache = cache.NewMemory[[]float32]("embed", cfg.Cache.cacheConfig())
	l.allocator = resource.NewAllocator(cfg.Resources.TotalVRAM)
	l.llm = llm.NewGuarded(gen, emb, llm.GuardedConfig{
		Limiter:     l.limiter,
		WaitTimeout: cfg.RateLimit.WaitTimeout.Std(),
		Breaker:     l.breaker,
		Retry:       cfg.Retry.policy(),
		Cache:       l.genCache,
		EmbedCache:  l.embCache,
		Tracker:     l.tracker,
	})

	l.store = o.store
	if l.store == nil {
		store, err := library.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		l.store = store
		l.closers = append(l.closers, store)
	}
	vectors := o.vectors
	if vectors == nil {
		if vectors, err = vectorstore.NewChromem(cfg.VectorStore.storeConfig(), l.llm); err != nil {
			return nil, err
		}
	}

	deps := agents.Deps{LLM: l.llm, Store: l.store, Vectors: vectors}
	res := cfg.Resources
	l.selection = agents.NewSelection(deps, res.VRAMFor(agents.NameSelection), cfg.Selection.Threshold)
	l.librarian = agents.NewLibrarian(deps, res.VRAMFor(agents.NameLibrarian))
	l.summarizer = agents.NewSummarization(deps, l.librarian, res.VRAMFor(agents.NameSummarization), cfg.Summarization.ChunkWords)
	l.query = agents.NewQuery(deps, res.VRAMFor(agents.NameQuery), cfg.Query.Results)
	for _, a := range l.agents() {
		if err := a.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	logging.FromContext(ctx).Info("bookbot ready",
		"llm", gen.Name(),
		"total_vram", cfg.Resources.TotalVRAM,
		"rate_limit", cfg.RateLimit.RequestsPerWindow,
		"window", cfg.RateLimit.Window.String(),
	)
	return l, nil
}

func (l *Library) usageSink(extra usage.Sink) (usage.Sink, error) {
	var sinks usage.MultiSink
	if l.cfg.Usage.LogPath != "" {
		fs, err := usage.NewFileSink(l.cfg.Usage.LogPath)
		if err != nil {
			return nil, err
		}
		l.closers = append(l.closers, fs)
		sinks = append(sinks, fs)
	}
	if l.cfg.Usage.Database {
		ss, err := usage.NewSQLSink(l.cfg.Database.Driver, l.cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		l.closers = append(l.closers, ss)
		sinks = append(sinks, ss)
	}
	if extra != nil {
		sinks = append(sinks, extra)
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

func (l *Library) agents() []agents.Agent {
	return []agents.Agent{l.selection, l.librarian, l.summarizer, l.query}
}

// AddHook registers an EventHookFunc called after every agent call.
func (l *Library) AddHook(fn EventHookFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// run executes fn while agent a holds its VRAM allocation.
func (l *Library) run(ctx context.Context, a agents.Agent, op string, fn func(context.Context) error) error {
	owner := fmt.Sprintf("%s#%d", a.Name(), l.seq.Add(1))
	log := logging.FromContext(ctx).With("agent", a.Name(), "op", op, "owner", owner)
	start := time.Now()

	err := l.allocator.Do(ctx, owner, a.VRAM(), fn)
	elapsed := time.Since(start)

	status := "success"
	switch {
	case errors.Is(err, resource.ErrCapacityExceeded):
		status = "rejected"
		log.Warn("agent rejected", "vram", a.VRAM(), "available", l.allocator.Available())
	case err != nil:
		status = "error"
		log.Error("agent failed", "error", err, "duration_ms", elapsed.Milliseconds())
	default:
		log.Debug("agent completed", "duration_ms", elapsed.Milliseconds())
	}
	metrics.AgentRuns.WithLabelValues(a.Name(), status).Inc()
	metrics.AgentDuration.WithLabelValues(a.Name()).Observe(elapsed.Seconds())

	subject := SubjectAgentCompleted
	data := map[string]interface{}{
		"trace_id":    logging.TraceIDFromContext(ctx),
		"agent":       a.Name(),
		"op":          op,
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
		"timestamp":   time.Now(),
	}
	if err != nil {
		subject = SubjectAgentFailed
		data["error"] = err.Error()
	}
	l.publishEvent(ctx, subject, data)
	return err
}

// publishEvent calls all registered hooks asynchronously.
func (l *Library) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	l.mu.RLock()
	hooks := slices.Clone(l.hooks)
	l.mu.RUnlock()

	for _, h := range hooks {
		go h(context.WithoutCancel(ctx), subject, data)
	}
}

// SelectBooks scores candidates and returns those at or above the selection threshold.
func (l *Library) SelectBooks(ctx context.Context, candidates []agents.Candidate) (*agents.Selection, error) {
	var out *agents.Selection
	err := l.run(ctx, l.selection, "select", func(ctx context.Context) (err error) {
		out, err = l.selection.Select(ctx, candidates)
		return err
	})
	return out, err
}

// AddBook stores and indexes a book. Adding the same book twice returns the stored one.
func (l *Library) AddBook(ctx context.Context, nb agents.NewBook) (*library.Book, error) {
	var out *library.Book
	err := l.run(ctx, l.librarian, "add_book", func(ctx context.Context) (err error) {
		out, err = l.librarian.AddBook(ctx, nb)
		return err
	})
	return out, err
}

// GetBook returns a stored book.
func (l *Library) GetBook(ctx context.Context, id int64) (*library.Book, error) {
	var out *library.Book
	err := l.run(ctx, l.librarian, "get_book", func(ctx context.Context) (err error) {
		out, err = l.librarian.GetBook(ctx, id)
		return err
	})
	return out, err
}

// ListBooks returns every stored book.
func (l *Library) ListBooks(ctx context.Context) ([]library.Book, error) {
	var out []library.Book
	err := l.run(ctx, l.librarian, "list_books", func(ctx context.Context) (err error) {
		out, err = l.librarian.ListBooks(ctx)
		return err
	})
	return out, err
}

// Summaries returns the stored summaries of a book.
func (l *Library) Summaries(ctx context.Context, bookID int64) ([]library.Summary, error) {
	var out []library.Summary
	err := l.run(ctx, l.librarian, "summaries", func(ctx context.Context) (err error) {
		if _, err = l.librarian.GetBook(ctx, bookID); err != nil {
			return err
		}
		out, err = l.librarian.Summaries(ctx, bookID)
		return err
	})
	return out, err
}

// AddSummary stores and indexes a summary of an existing book.
func (l *Library) AddSummary(ctx context.Context, ns agents.NewSummary) (*library.Summary, error) {
	var out *library.Summary
	err := l.run(ctx, l.librarian, "add_summary", func(ctx context.Context) (err error) {
		out, err = l.librarian.AddSummary(ctx, ns)
		return err
	})
	return out, err
}

// Summarize summarizes text as the content of book bookID.
func (l *Library) Summarize(ctx context.Context, bookID int64, text string) (*agents.SummaryResult, error) {
	var out *agents.SummaryResult
	err := l.run(ctx, l.summarizer, "summarize", func(ctx context.Context) (err error) {
		out, err = l.summarizer.Summarize(ctx, bookID, text)
		return err
	})
	return out, err
}

// Ask answers a question from the indexed library.
func (l *Library) Ask(ctx context.Context, question string) (*agents.Answer, error) {
	var out *agents.Answer
	err := l.run(ctx, l.query, "ask", func(ctx context.Context) (err error) {
		out, err = l.query.Ask(ctx, question)
		return err
	})
	return out, err
}

// Usage returns the tokens and cost recorded since New.
func (l *Library) Usage() usage.Snapshot { return l.tracker.Usage() }

// Resources is a snapshot of the VRAM budget.
type Resources struct {
	Total       float64            `json:"total_vram"`
	Available   float64            `json:"available_vram"`
	Allocations map[string]float64 `json:"allocations"`
}

// Resources returns the current VRAM allocations.
func (l *Library) Resources() Resources {
	return Resources{
		Total:       l.allocator.Budget(),
		Available:   l.allocator.Available(),
		Allocations: l.allocator.Allocations(),
	}
}

// RateLimit returns the LLM rate limiter's current usage.
func (l *Library) RateLimit() ratelimit.Usage { return l.limiter.Usage() }

// Stats reports cache and circuit breaker state.
type Stats struct {
	GenerationCache cache.Stats `json:"generation_cache"`
	EmbeddingCache  cache.Stats `json:"embedding_cache"`
	Breaker         string      `json:"circuit_breaker"`
}

// Stats returns cache counters and the circuit breaker state.
func (l *Library) Stats() Stats {
	return Stats{
		GenerationCache: l.genCache.Stats(),
		EmbeddingCache:  l.embCache.Stats(),
		Breaker:         l.breaker.State().String(),
	}
}

// Config returns the configuration the Library was built with.
func (l *Library) Config() Config { return l.cfg }

// Close deactivates the agents and closes the stores and usage sinks New
// opened. It is safe to call more than once.
func (l *Library) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	ctx := context.Background()
	for _, a := range l.agents() {
		_ = a.Cleanup(ctx)
	}
	return l.closeAll()
}

func (l *Library) closeAll() error {
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	return errors.Join(errs...)
}
