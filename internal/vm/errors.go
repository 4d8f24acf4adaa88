package vm

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	// ErrReverted marks an execution that the chain rejected. Permanent:
	// resubmitting the same call yields the same outcome.
	ErrReverted = errors.New("execution reverted")

	// ErrRetriesExhausted marks a submission abandoned after the bounded
	// resubmit budget. Permanent from the caller's point of view.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// transientMarkers covers the RPC failure strings worth retrying.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"temporarily unavailable",
	"too many requests",
	"eof",
}

// IsTransient reports whether an error is worth retrying. Reverts and
// exhausted budgets are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReverted) || errors.Is(err, ErrRetriesExhausted) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
