// Package ratelimit provides an in-memory sliding-window rate limiter with a
// one-time burst allowance. It gates outbound LLM calls and, through Store,
// inbound HTTP requests per client.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ferro-labs/bookbot/internal/metrics"
)

// DefaultRetryInterval caps how long WaitForToken sleeps between attempts.
const DefaultRetryInterval = 100 * time.Millisecond

// Config describes a limiter.
type Config struct {
	// RequestsPerWindow is the number of requests allowed in any trailing Window.
	RequestsPerWindow int
	Window            time.Duration
	// Burst is the number of extra requests allowed beyond the window limit.
	// Burst tokens are not regenerated automatically; see RefillBurst.
	Burst int
	// RetryInterval caps the sleep between WaitForToken attempts.
	// Zero means DefaultRetryInterval.
	RetryInterval time.Duration
}

// Usage is a snapshot of limiter state.
type Usage struct {
	CurrentRequests int `json:"current_requests"`
	BurstTokens     int `json:"burst_tokens"`
	WindowLimit     int `json:"window_limit"`
}

// Limiter is a sliding-window limiter. Every request timestamp inside the
// trailing window is kept, so the window never resets on a fixed boundary.
type Limiter struct {
	mu            sync.Mutex
	name          string
	limit         int
	window        time.Duration
	maxBurst      int
	burst         int
	retryInterval time.Duration
	// requests holds admitted timestamps in ascending order.
	requests []time.Time

	now func() time.Time
}

// New creates a Limiter. name labels its metrics.
func New(name string, cfg Config) *Limiter {
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	burst := cfg.Burst
	if burst < 0 {
		burst = 0
	}
	return &Limiter{
		name:          name,
		limit:         cfg.RequestsPerWindow,
		window:        cfg.Window,
		maxBurst:      burst,
		burst:         burst,
		retryInterval: retry,
		now:           time.Now,
	}
}

// Acquire records a request and returns true if it is permitted, first
// against the window limit and then against the burst allowance. It never
// blocks.
func (l *Limiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.requests) < l.limit {
		l.requests = append(l.requests, now)
		metrics.RateLimitDecisions.WithLabelValues(l.name, "allowed").Inc()
		return true
	}
	if l.burst > 0 {
		l.burst--
		l.requests = append(l.requests, now)
		metrics.RateLimitDecisions.WithLabelValues(l.name, "burst").Inc()
		return true
	}
	metrics.RateLimitDecisions.WithLabelValues(l.name, "rejected").Inc()
	return false
}

// WaitForToken blocks until Acquire succeeds, timeout elapses or ctx is done.
// A timeout of zero or less waits indefinitely. It reports false instead of
// returning an error when it gives up.
func (l *Limiter) WaitForToken(ctx context.Context, timeout time.Duration) bool {
	start := time.Now()
	defer func() {
		metrics.RateLimitWait.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		if l.Acquire() {
			return true
		}

		wait := l.TimeUntilNextToken()
		if wait <= 0 || wait > l.retryInterval {
			wait = l.retryInterval
		}
		sleep := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			sleep.Stop()
			metrics.RateLimitTimeouts.WithLabelValues(l.name).Inc()
			return false
		case <-deadline:
			sleep.Stop()
			metrics.RateLimitTimeouts.WithLabelValues(l.name).Inc()
			return false
		case <-sleep.C:
		}
	}
}

// TimeUntilNextToken returns how long until Acquire can next succeed: zero if
// window capacity or a burst token is available, otherwise the time until
// enough requests age out to bring the window below its limit. Spent burst
// tokens can leave more than limit requests in the window, in which case more
// than the oldest one must expire. A RefillBurst in the meantime makes the
// real wait shorter.
func (l *Limiter) TimeUntilNextToken() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.requests) < l.limit || l.burst > 0 || len(l.requests) == 0 {
		return 0
	}
	// The window admits again once requests[i] expires, leaving limit-1.
	i := len(l.requests) - l.limit
	if i >= len(l.requests) {
		i = len(l.requests) - 1
	}
	d := l.window - now.Sub(l.requests[i])
	if d < 0 {
		return 0
	}
	return d
}

// RefillBurst restores the burst allowance to its configured maximum.
// Nothing calls it on a timer; callers that want periodic refill schedule it.
func (l *Limiter) RefillBurst() {
	l.mu.Lock()
	l.burst = l.maxBurst
	l.mu.Unlock()
}

// Usage returns a snapshot of the limiter after pruning expired requests.
func (l *Limiter) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	return Usage{
		CurrentRequests: len(l.requests),
		BurstTokens:     l.burst,
		WindowLimit:     l.limit,
	}
}

// prune drops requests older than the window. Must be called with l.mu held.
func (l *Limiter) prune(now time.Time) {
	i := 0
	for i < len(l.requests) && now.Sub(l.requests[i]) >= l.window {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(l.requests, l.requests[i:])
	clear(l.requests[n:])
	l.requests = l.requests[:n]
}

// Store maintains per-key Limiter instances.
type Store struct {
	mu       sync.RWMutex
	name     string
	limiters map[string]*Limiter
	cfg      Config
}

// NewStore creates a Store whose per-key limiters share the same config.
func NewStore(name string, cfg Config) *Store {
	return &Store{
		name:     name,
		limiters: make(map[string]*Limiter),
		cfg:      cfg,
	}
}

// Allow checks (and creates if needed) the limiter for key.
func (s *Store) Allow(key string) bool {
	return s.Limiter(key).Acquire()
}

// Limiter returns the limiter for key, creating it on first use.
func (s *Store) Limiter(key string) *Limiter {
	s.mu.RLock()
	l, ok := s.limiters[key]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.limiters[key]; ok {
		return l
	}
	l = New(s.name, s.cfg)
	s.limiters[key] = l
	return l
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}
