// Package retry re-runs a failed call with bounded exponential backoff and
// full jitter. It reacts to upstream throttling and outages after they happen;
// the preventive gate is the rate limiter in front of it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/ferro-labs/bookbot/internal/logging"
)

// Policy bounds the retry loop.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts  int           `yaml:"attempts" json:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" json:"max_delay"`
}

// DefaultPolicy is used for zero fields.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPolicy.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the upper bound of the sleep before retry number attempt
// (1-based): BaseDelay doubled per attempt, capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked Transient or is a network
// timeout. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Do calls fn until it succeeds, returns an error classify rejects, the
// attempts run out or ctx is done. A nil classify means IsTransient.
func Do(ctx context.Context, p Policy, classify func(error) bool, fn func(context.Context) error) error {
	p = p.withDefaults()
	if classify == nil {
		classify = IsTransient
	}

	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			// Full jitter: sleep uniformly in [0, backoff).
			backoff := p.Backoff(attempt)
			sleep := time.Duration(rand.Int64N(int64(backoff)))
			logging.FromContext(ctx).Debug("retrying after transient error",
				"attempt", attempt+1, "sleep", sleep, "error", lastErr)
			t := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !classify(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.Attempts, lastErr)
}
