package worker

import (
	"context"
	"log/slog"
	"time"
)

// WithFallback runs call with a timeout budget. When call fails or runs out of time,
// fallback supplies the value instead and usedFallback is true.
// An error is returned only when ctx itself is done.
func WithFallback[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error), fallback func() T) (value T, usedFallback bool, err error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call(callCtx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.value, false, nil
		}
		if ctx.Err() != nil {
			var zero T
			return zero, false, ctx.Err()
		}
		slog.Debug("call failed, using fallback", slog.Any("error", r.err))
	case <-callCtx.Done():
		if ctx.Err() != nil {
			var zero T
			return zero, false, ctx.Err()
		}
		slog.Debug("call timed out, using fallback", slog.Duration("timeout", timeout))
	}
	return fallback(), true, nil
}
