package scan

import (
	"context"
	"sync"
)

// Settled is the tagged outcome of one worker invocation: either a value
// or a classified error, never both.
type Settled[T any] struct {
	Value T
	Err   error
}

// Ok reports whether the settled record carries a value rather than an
// error.
func (s Settled[T]) Ok() bool { return s.Err == nil }

// Worker computes the outcome for one item at the given index.
type Worker[T any] func(ctx context.Context, item string, index int) Settled[T]

// OnSettled is invoked synchronously between one item's completion and
// the next pull; it is the orchestrator's progress hook and must not
// panic (a panicking hook cannot break the fan-out per the fairness
// contract, so callers are expected to recover internally if needed).
type OnSettled[T any] func(settled Settled[T], index int, item string)

// ShouldStop is polled by each worker before it pulls its next item.
type ShouldStop func() bool

// MapWithConcurrency runs worker over items with at most N workers
// active concurrently, pulling indices from a shared cursor so idle
// workers immediately pick up the next item rather than being assigned
// a fixed static slice. The returned slice is index-aligned with items.
func MapWithConcurrency[T any](
	ctx context.Context,
	cancel context.CancelFunc,
	items []string,
	n int,
	worker Worker[T],
	onSettled OnSettled[T],
	shouldStop ShouldStop,
) []Settled[T] {
	if n > len(items) {
		n = len(items)
	}
	if n < 1 && len(items) > 0 {
		n = 1
	}

	results := make([]Settled[T], len(items))

	var cursorMu sync.Mutex
	cursor := 0
	next := func() (int, bool) {
		cursorMu.Lock()
		defer cursorMu.Unlock()
		if cursor >= len(items) {
			return 0, false
		}
		i := cursor
		cursor++
		return i, true
	}

	var settleMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(n)
	for w := 0; w < n; w++ {
		go func() {
			defer wg.Done()
			for {
				if shouldStop() {
					cursorMu.Lock()
					cursor = len(items)
					cursorMu.Unlock()
					cancel()
					return
				}
				// A fired cancellation token (stall watchdog, external
				// abort) ends the attempt too: without this check the
				// pool would race through every remaining item against a
				// dead context.
				if ctx.Err() != nil {
					cursorMu.Lock()
					cursor = len(items)
					cursorMu.Unlock()
					return
				}
				idx, ok := next()
				if !ok {
					return
				}
				settled := worker(ctx, items[idx], idx)

				settleMu.Lock()
				results[idx] = settled
				onSettled(settled, idx, items[idx])
				settleMu.Unlock()
			}
		}()
	}
	wg.Wait()

	return results
}
