// Package retry implements the single-retry policy for transient store errors.
package retry

import (
	"context"
	"time"

	"github.com/omnii/recall/internal/apperr"
)

// DefaultBackoff is used when Once is called with a non-positive backoff.
const DefaultBackoff = 200 * time.Millisecond

// Once runs fn and, if it fails with a store_unavailable error, waits backoff
// and runs it one more time. Any other error is returned immediately.
// Cancellation during the wait returns the context error.
func Once(ctx context.Context, backoff time.Duration, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || !apperr.IsUnavailable(err) {
		return err
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return fn(ctx)
}

// Value is Once for functions that also produce a result.
func Value[T any](ctx context.Context, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := Once(ctx, backoff, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
