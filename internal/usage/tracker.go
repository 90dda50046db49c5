// Package usage accumulates LLM token counts and their estimated cost, and
// optionally appends one record per update to a durable sink.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ferro-labs/bookbot/internal/metrics"
)

// ErrNegativeUsage is returned when AddUsage is called with negative counts.
var ErrNegativeUsage = errors.New("token counts must not be negative")

// Record is one usage update as appended to a Sink. Cost covers only the
// tokens of this update.
type Record struct {
	Timestamp    time.Time
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Sink persists usage records in the order they were added.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Snapshot is the running total of a Tracker.
type Snapshot struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Tracker accumulates token counts. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	rates  Rates
	sink   Sink
	input  int64
	output int64

	now func() time.Time
}

// NewTracker creates a Tracker. sink may be nil.
func NewTracker(rates Rates, sink Sink) *Tracker {
	return &Tracker{rates: rates, sink: sink, now: time.Now}
}

// Rates returns the rates the tracker prices usage with.
func (t *Tracker) Rates() Rates { return t.rates }

// AddUsage adds to the running counters and then appends a record to the
// sink while still holding the lock, so sink order matches counter order.
//
// A sink error is returned after the counters were already updated; the
// in-memory totals and the durable log can therefore disagree until the
// caller reconciles them.
func (t *Tracker) AddUsage(ctx context.Context, inputTokens, outputTokens int64) error {
	if inputTokens < 0 || outputTokens < 0 {
		return fmt.Errorf("add usage (%d, %d): %w", inputTokens, outputTokens, ErrNegativeUsage)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.input += inputTokens
	t.output += outputTokens

	cost := t.rates.Cost(inputTokens, outputTokens)
	metrics.TokensInput.Add(float64(inputTokens))
	metrics.TokensOutput.Add(float64(outputTokens))
	metrics.CostUSD.Add(cost)

	if t.sink == nil {
		return nil
	}
	rec := Record{
		Timestamp:    t.now(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
	}
	if err := t.sink.Append(ctx, rec); err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

// Usage returns the running totals and their cost.
func (t *Tracker) Usage() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		InputTokens:  t.input,
		OutputTokens: t.output,
		Cost:         t.rates.Cost(t.input, t.output),
	}
}

// MultiSink appends each record to every sink in order, stopping at the
// first error.
type MultiSink []Sink

// Append implements Sink.
func (m MultiSink) Append(ctx context.Context, rec Record) error {
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
