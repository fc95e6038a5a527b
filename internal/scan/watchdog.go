package scan

import (
	"context"
	"log"
	"sync"
	"time"
)

// StallWatchdog monitors a single fan-out attempt for lack of progress:
// a periodic check against the last heartbeat, firing the attempt's
// abort callback once if the heartbeat goes quiet for too long.
type StallWatchdog struct {
	mu            sync.Mutex
	checkInterval time.Duration
	stallTimeout  time.Duration
	lastProgress  time.Time
	stalled       bool
	onStall       func()
	stopCh        chan struct{}
	stoppedOnce   sync.Once
}

// NewStallWatchdog starts a watchdog ticking every checkInterval; if no
// MarkProgress call lands within stallTimeout, onStall fires exactly
// once.
func NewStallWatchdog(checkInterval, stallTimeout time.Duration, onStall func()) *StallWatchdog {
	w := &StallWatchdog{
		checkInterval: checkInterval,
		stallTimeout:  stallTimeout,
		lastProgress:  time.Now(),
		onStall:       onStall,
		stopCh:        make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *StallWatchdog) run() {
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			idle := time.Since(w.lastProgress)
			alreadyStalled := w.stalled
			if !alreadyStalled && idle >= w.stallTimeout {
				w.stalled = true
			}
			fire := w.stalled && !alreadyStalled
			w.mu.Unlock()

			if fire {
				log.Printf("stall watchdog: no progress for %s, aborting attempt", idle)
				w.onStall()
			}
		}
	}
}

// MarkProgress refreshes the last-progress timestamp. Call it once per
// settled item.
func (w *StallWatchdog) MarkProgress() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastProgress = time.Now()
}

// IsStalled reports whether this attempt was aborted due to a stall
// (as opposed to an external stop/pause/cancellation).
func (w *StallWatchdog) IsStalled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stalled
}

// Stop releases the watchdog's background goroutine. Safe to call more
// than once.
func (w *StallWatchdog) Stop() {
	w.stoppedOnce.Do(func() { close(w.stopCh) })
}

// SleepStallBackoff sleeps the exponential stall-retry backoff
// (base 5s, capped at 60s) for the given retry attempt number
// (1-indexed), honouring cancellation.
func SleepStallBackoff(ctx context.Context, attempt int, base, cap time.Duration) error {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return NewKindedError(KindAborted, "stall_retry_backoff", ctx.Err())
	case <-timer.C:
		return nil
	}
}
