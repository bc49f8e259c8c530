// Package retry provides an attempt-bounded retry loop.
package retry

import (
	"context"
	"errors"
	"fmt"
)

// ErrExhausted is returned once every attempt failed with a retryable error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes how many times an operation runs and which errors allow
// another attempt.
type Policy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts int
	// Retryable reports whether err warrants another attempt. A nil
	// Retryable retries every error.
	Retryable func(err error) bool
	// OnRetry, if set, observes every failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, returns a non-retryable error, the context
// is done, or the policy's attempt bound is reached. Attempts are numbered
// from 1. When the bound is reached the returned error wraps both
// ErrExhausted and the last attempt's error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	if p.Attempts < 1 {
		return fmt.Errorf("retry: invalid attempt bound %d", p.Attempts)
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt < p.Attempts && p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.Attempts, lastErr)
}
