package welfarekit

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

// ============================================================================
// INTERNAL HELPERS
// ============================================================================

const (
	defaultReadRetries  = 2
	defaultStoreTimeout = 5 * time.Second
	retryBaseBackoff    = 50 * time.Millisecond
)

// withReadRetry runs a read against a backing store, retrying transient failures
// up to retries extra times with exponential backoff and jitter.
// Writes never go through here.
func withReadRetry(ctx context.Context, retries int, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		// Don't retry on non-transient errors or once the caller gave up
		if !isTransientError(err) || ctx.Err() != nil {
			return err
		}

		if attempt == retries {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * retryBaseBackoff
		jitter := time.Duration(float64(backoff) * 0.1 * (0.5 + rand.Float64()))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// isTransientError checks if an error is transient and the read can be retried.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	// Definite answers from the engine are never transient
	for _, definite := range []error{ErrNotFound, ErrConcurrentModification, ErrInvalidInput, ErrConfiguration} {
		if errors.Is(err, definite) {
			return false
		}
	}

	errStr := strings.ToLower(err.Error())

	// PostgreSQL and network transient errors
	transientErrors := []string{
		"connection",
		"timeout",
		"deadlock",
		"lock wait timeout",
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"try again",
		"resource temporarily unavailable",
		"i/o timeout",
	}

	for _, transientErr := range transientErrors {
		if strings.Contains(errStr, transientErr) {
			return true
		}
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// boundedContext applies the store timeout when the caller has no earlier deadline.
func boundedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
