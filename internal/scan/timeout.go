package scan

import (
	"context"
	"time"
)

// RunWithAbortAndTimeout runs task under a child cancellation scope with
// its own deadline. A fired deadline surfaces as a Timeout error carrying
// label; a cancelled parent surfaces as Aborted, so callers can apply the
// "Aborted while stopping is not an error" rule without inspecting
// context internals.
func RunWithAbortAndTimeout[T any](ctx context.Context, timeout time.Duration, label string, task func(ctx context.Context) (T, error)) (T, error) {
	childCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	value, err := task(childCtx)
	if err == nil {
		return value, nil
	}

	// Re-kind context-origin failures; an already-kinded error from
	// deeper in the stack (the fetcher, the rate limiter) keeps its own
	// classification.
	if KindOf(err) == KindUnknown {
		if ctx.Err() != nil {
			return value, NewKindedError(KindAborted, label, err)
		}
		if childCtx.Err() == context.DeadlineExceeded {
			return value, NewKindedError(KindTimeout, label, err)
		}
	}
	return value, err
}
