// Package agents implements the BookBot agents: selection scores candidate
// books, the librarian stores and indexes books and summaries, summarization
// condenses book text, and query answers questions from the indexed library.
//
// Agents are plain values wired with their collaborators through Deps. They
// hold no VRAM themselves; the caller allocates VRAM() from the shared
// allocator around each call.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ferro-labs/bookbot/internal/library"
	"github.com/ferro-labs/bookbot/internal/llm"
	"github.com/ferro-labs/bookbot/internal/logging"
	"github.com/ferro-labs/bookbot/internal/vectorstore"
)

// DefaultVRAM is the VRAM an agent requests when none is configured.
const DefaultVRAM = 16.0

// Agent names.
const (
	NameSelection     = "selection"
	NameLibrarian     = "librarian"
	NameSummarization = "summarization"
	NameQuery         = "query"
)

var (
	// ErrInactive is returned when an agent is used before Initialize or after Cleanup.
	ErrInactive = errors.New("agents: agent is not active")
	// ErrMissingDependency is returned by Initialize when a required collaborator is nil.
	ErrMissingDependency = errors.New("agents: missing dependency")
	// ErrInvalidInput is returned for malformed caller input.
	ErrInvalidInput = errors.New("agents: invalid input")
	// ErrInvalidOutput is returned when the LLM response does not match the expected JSON shape.
	ErrInvalidOutput = errors.New("agents: invalid llm output")
	// ErrNoBooks is returned by Selection.Select for an empty candidate list.
	ErrNoBooks = errors.New("agents: no books provided for evaluation")
	// ErrNoQuestion is returned by Query.Ask for an empty question.
	ErrNoQuestion = errors.New("agents: no question provided")
)

// Agent is the lifecycle every agent shares.
type Agent interface {
	Name() string
	// VRAM is the amount the caller should allocate around each call.
	VRAM() float64
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Active() bool
}

// Deps are the collaborators agents draw from. Each agent uses a subset.
type Deps struct {
	LLM     llm.Generator
	Store   library.Store
	Vectors vectorstore.Store
}

// base carries the lifecycle state shared by all agents.
type base struct {
	name   string
	vram   float64
	active atomic.Bool
	check  func() error
}

func (b *base) setup(name string, vram float64, check func() error) {
	if vram <= 0 {
		vram = DefaultVRAM
	}
	b.name = name
	b.vram = vram
	b.check = check
}

func (b *base) Name() string  { return b.name }
func (b *base) VRAM() float64 { return b.vram }
func (b *base) Active() bool  { return b.active.Load() }

// Initialize validates dependencies and marks the agent active.
func (b *base) Initialize(ctx context.Context) error {
	if b.check != nil {
		if err := b.check(); err != nil {
			return fmt.Errorf("initialize %s agent: %w", b.name, err)
		}
	}
	b.active.Store(true)
	b.logger(ctx).Debug("agent initialized", "vram", b.vram)
	return nil
}

// Cleanup marks the agent inactive. Shared collaborators are closed by their owner.
func (b *base) Cleanup(ctx context.Context) error {
	b.active.Store(false)
	b.logger(ctx).Debug("agent cleaned up")
	return nil
}

func (b *base) ready() error {
	if !b.active.Load() {
		return fmt.Errorf("%s: %w", b.name, ErrInactive)
	}
	return nil
}

func (b *base) logger(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx).With("agent", b.name)
}

func missing(what string) error {
	return fmt.Errorf("%s: %w", what, ErrMissingDependency)
}
