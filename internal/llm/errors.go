package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ferro-labs/bookbot/internal/circuitbreaker"
	"github.com/ferro-labs/bookbot/internal/retry"
)

// transientStatus reports whether an upstream HTTP status is worth retrying.
func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return code >= 500
}

func markTransient(err error) error { return retry.Transient(err) }

// classifyTransport wraps errors raised below the HTTP layer. Connection
// failures and timeouts are transient; context errors are returned as-is.
func classifyTransport(name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := fmt.Errorf("%s: %w", name, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		return markTransient(wrapped)
	}
	return wrapped
}

// ErrorClass labels err for metrics and logs.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	case retry.IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
