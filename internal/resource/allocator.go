// Package resource bounds the total amount of a shared resource (VRAM, in
// practice) reserved by concurrently running agents.
package resource

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ferro-labs/bookbot/internal/metrics"
)

var (
	// ErrCapacityExceeded is returned when an allocation would push the total
	// over the budget.
	ErrCapacityExceeded = errors.New("resource capacity exceeded")
	// ErrDuplicateOwner is returned when the owner already holds an allocation.
	ErrDuplicateOwner = errors.New("owner already holds an allocation")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("allocation amount must be positive")
)

// Allocator tracks active allocations against a fixed budget.
type Allocator struct {
	mu          sync.Mutex
	budget      float64
	allocated   float64
	allocations map[string]float64
}

// NewAllocator creates an Allocator with the given total budget.
func NewAllocator(budget float64) *Allocator {
	return &Allocator{
		budget:      budget,
		allocations: make(map[string]float64),
	}
}

// Guard is an active allocation. Release must be called exactly once the
// owner is done; further calls are no-ops.
type Guard struct {
	a      *Allocator
	owner  string
	amount float64
	once   sync.Once
}

// Release returns the reserved amount to the allocator.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.a.release(g.owner, g.amount)
	})
}

// Allocate reserves amount for owner. If the reservation does not fit in the
// remaining budget it fails with ErrCapacityExceeded and nothing changes.
func (a *Allocator) Allocate(owner string, amount float64) (*Guard, error) {
	if !(amount > 0) || math.IsInf(amount, 0) {
		return nil, fmt.Errorf("allocate %q: %w", owner, ErrInvalidAmount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.allocations[owner]; ok {
		return nil, fmt.Errorf("allocate %q: %w", owner, ErrDuplicateOwner)
	}
	if a.allocated+amount > a.budget {
		metrics.ResourceRejections.Inc()
		return nil, fmt.Errorf("allocate %q: %.2f requested, %.2f available: %w",
			owner, amount, a.budget-a.allocated, ErrCapacityExceeded)
	}
	a.allocated += amount
	a.allocations[owner] = amount
	metrics.ResourceAllocated.Set(a.allocated)
	return &Guard{a: a, owner: owner, amount: amount}, nil
}

// Do runs fn while holding an allocation for owner. The allocation is
// released on every exit path, including a panic in fn.
func (a *Allocator) Do(ctx context.Context, owner string, amount float64, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g, err := a.Allocate(owner, amount)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

func (a *Allocator) release(owner string, amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.allocated -= amount
	if a.allocated < 0 {
		a.allocated = 0
	}
	delete(a.allocations, owner)
	metrics.ResourceAllocated.Set(a.allocated)
}

// Budget returns the total budget.
func (a *Allocator) Budget() float64 { return a.budget }

// Available returns the unreserved part of the budget.
func (a *Allocator) Available() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.budget - a.allocated
}

// Allocations returns a copy of the active allocations keyed by owner.
func (a *Allocator) Allocations() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]float64, len(a.allocations))
	for k, v := range a.allocations {
		out[k] = v
	}
	return out
}
