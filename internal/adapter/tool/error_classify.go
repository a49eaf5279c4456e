package tool

import (
	"context"
	"errors"
	"os"
	"strings"
	"syscall"

	"wave-agent/internal/domain"
)

// transientErrors may clear on their own: a task slot frees up, the provider
// recovers, or the OS resource is released.
var transientErrors = []error{
	domain.ErrTimeout,
	domain.ErrLimitReached,
	domain.ErrProviderError,
	domain.ErrRateLimit,
	domain.ErrCircuitOpen,
	os.ErrDeadlineExceeded,
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EAGAIN,
	syscall.EBUSY,
	syscall.ETXTBSY,
}

// Fallback for errors that crossed a process boundary as text.
var transientHints = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"resource busy",
	"text file busy",
}

// classifyToolError reports whether the tool call may succeed on retry.
// Cancellation and sandbox violations never do.
func classifyToolError(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrPathOutsideSandbox),
		errors.Is(err, domain.ErrInvalidArguments):
		return false
	}
	for _, target := range transientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
