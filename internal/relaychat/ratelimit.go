package relaychat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RateLimitError reports that the platform throttled a call and told us how
// long to wait before trying again.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

type sleepFunc func(ctx context.Context, delay time.Duration) error

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// callWithBackoff invokes fn once; if the platform reports a rate limit, it
// suspends the calling task for the platform-specified delay and retries
// exactly once. Any other error, including a second rate limit, is returned
// to the caller unchanged.
func callWithBackoff[T any](ctx context.Context, sleep sleepFunc, fn func(ctx context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	var limited *RateLimitError
	if err == nil || !errors.As(err, &limited) {
		return out, err
	}
	if sleep == nil {
		sleep = sleepContext
	}
	if waitErr := sleep(ctx, limited.RetryAfter); waitErr != nil {
		var zero T
		return zero, waitErr
	}
	return fn(ctx)
}
