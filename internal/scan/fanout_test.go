package scan

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapWithConcurrencyIndexAligned(t *testing.T) {
	items := []string{"AAPL", "MSFT", "GOOG", "AMZN", "TSLA"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := func(ctx context.Context, item string, index int) Settled[string] {
		return Settled[string]{Value: item}
	}

	var mu sync.Mutex
	var settledOrder []int
	onSettled := func(s Settled[string], index int, item string) {
		mu.Lock()
		defer mu.Unlock()
		settledOrder = append(settledOrder, index)
	}

	results := MapWithConcurrency(ctx, cancel, items, 3, worker, onSettled, func() bool { return false })

	require.Len(t, results, len(items))
	for i, item := range items {
		assert.True(t, results[i].Ok())
		assert.Equal(t, item, results[i].Value)
	}
	assert.Len(t, settledOrder, len(items))
}

func TestMapWithConcurrencyRespectsShouldStop(t *testing.T) {
	items := make([]string, 20)
	for i := range items {
		items[i] = "T"
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed int32
	var stopAt int32 = 3
	shouldStop := func() bool { return atomic.LoadInt32(&processed) >= stopAt }

	worker := func(ctx context.Context, item string, index int) Settled[string] {
		atomic.AddInt32(&processed, 1)
		return Settled[string]{Value: item}
	}

	MapWithConcurrency(ctx, cancel, items, 1, worker, func(Settled[string], int, string) {}, shouldStop)

	assert.LessOrEqual(t, atomic.LoadInt32(&processed), stopAt+1)
}

func TestMapWithConcurrencyStopsOnCancelledToken(t *testing.T) {
	items := make([]string, 50)
	for i := range items {
		items[i] = "T"
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed int32
	worker := func(ctx context.Context, item string, index int) Settled[string] {
		if atomic.AddInt32(&processed, 1) == 3 {
			cancel() // a stall watchdog firing mid-attempt
		}
		return Settled[string]{Value: item}
	}

	MapWithConcurrency(ctx, cancel, items, 2, worker, func(Settled[string], int, string) {}, func() bool { return false })

	assert.Less(t, atomic.LoadInt32(&processed), int32(10), "a fired token must end the attempt, not race through the remaining items")
}

func TestMapWithConcurrencyClampsWorkersToItemCount(t *testing.T) {
	items := []string{"A", "B"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var maxConcurrent, current int32
	worker := func(ctx context.Context, item string, index int) Settled[string] {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		atomic.AddInt32(&current, -1)
		return Settled[string]{Value: item}
	}

	MapWithConcurrency(ctx, cancel, items, 10, worker, func(Settled[string], int, string) {}, func() bool { return false })

	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(len(items)))
}
