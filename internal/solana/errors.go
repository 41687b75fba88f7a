package solana

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Remote failures are split into two classes. Transient failures (socket
// resets, timeouts, rate limits) are safe to retry with backoff; permanent
// failures (4xx, malformed responses) must surface immediately so callers
// never retry against already-committed state.

var (
	// ErrTransient marks failures that may succeed on retry.
	ErrTransient = errors.New("transient")

	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = errors.New("permanent")
)

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTransient, err.Error())
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPermanent, err.Error())
}

// IsTransient reports whether err should be retried. Unclassified network
// errors default to transient; everything else defaults to permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
