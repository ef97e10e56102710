package util

import (
	"context"
	"time"
)

// CtxWithTimeout runs fn with a child context that expires after dur.
func CtxWithTimeout(ctx context.Context, dur time.Duration, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, dur)
	defer cancelTimeout()

	return fn(timeoutCtx)
}

// Detached returns a context that keeps ctx values but is not canceled with it,
// bounded by dur. Used for work that must finish after the caller gave up,
// such as draining queued writes or the final checkpoint save.
func Detached(ctx context.Context, dur time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithTimeout(context.WithoutCancel(ctx), dur)
}
