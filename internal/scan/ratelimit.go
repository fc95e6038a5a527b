package scan

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiter is a process-wide token bucket shared by every outbound
// call the fetcher makes. Tokens are a real-valued deficit refilled
// lazily on each Acquire rather than by a background goroutine.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter builds a limiter with the given burst capacity and
// refill rate (tokens/second). It starts full.
func NewRateLimiter(capacity, refillRate float64) *RateLimiter {
	return &RateLimiter{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

// Acquire blocks (subject to ctx) until one token is available, then
// consumes it. It returns an Aborted KindedError if ctx is cancelled
// while waiting.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryConsume()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return NewKindedError(KindAborted, "rate_limiter_wait", ctx.Err())
		case <-timer.C:
			// loop back and retry the refill/consume calculation
		}
	}
}

// tryConsume refills the bucket based on elapsed time and, if a token is
// available, consumes it and returns (0, true). Otherwise it returns the
// duration the caller should sleep before retrying.
func (l *RateLimiter) tryConsume() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsedMs := float64(now.Sub(l.lastRefill).Milliseconds())
	if elapsedMs > 0 {
		l.tokens = math.Min(l.capacity, l.tokens+elapsedMs*l.refillRate/1000)
		l.lastRefill = now
	}

	if l.tokens >= 1 {
		l.tokens--
		return 0, true
	}

	deficit := 1 - l.tokens
	waitMs := math.Ceil(deficit * 1000 / l.refillRate)
	return time.Duration(waitMs) * time.Millisecond, false
}

// Snapshot returns the current token count and capacity, for
// observability only.
func (l *RateLimiter) Snapshot() (tokens, capacity float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens, l.capacity
}
