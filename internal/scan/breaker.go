package scan

import (
	"log"
	"sync"
	"time"
)

// BreakerState is one of the three states of the circuit breaker state
// machine.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker classifies errors as infrastructure vs. business and
// trips open after a run of consecutive infrastructure failures, using
// the same error-kind classification the store layer's retry path does
// but applied to outbound HTTP instead of the database.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold     int
	cooldown      time.Duration
	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker builds a breaker that opens after threshold
// consecutive infrastructure failures and stays open for cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     Closed,
	}
}

// Allow reports whether a call may proceed. When the breaker is Open and
// the cooldown has elapsed, it transitions to HalfOpen and admits
// exactly one probe call.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = HalfOpen
			b.probeInFlight = true
			log.Printf("circuit breaker: open -> half_open after %s cooldown", b.cooldown)
			return true
		}
		return false
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordResult feeds the outcome of a call back into the breaker. Only
// infrastructure-classified errors (timeouts, network errors, 5xx) count
// toward the failure threshold; business errors (rate-limited, aborted,
// paused, subscription restricted) and other 4xx responses are neutral:
// they neither trip the breaker nor reset the consecutive count.
func (b *CircuitBreaker) RecordResult(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	isInfra := IsInfraError(err)

	switch b.state {
	case HalfOpen:
		b.probeInFlight = false
		if isInfra {
			b.state = Open
			b.openedAt = time.Now()
			b.failures = b.threshold
			log.Printf("circuit breaker: half_open probe failed, re-opening")
		} else {
			b.state = Closed
			b.failures = 0
			log.Printf("circuit breaker: half_open probe succeeded, closing")
		}
	case Closed:
		if isInfra {
			b.failures++
			if b.failures >= b.threshold {
				b.state = Open
				b.openedAt = time.Now()
				log.Printf("circuit breaker: closed -> open after %d consecutive infra failures", b.failures)
			}
		} else if err == nil {
			b.failures = 0
		}
	case Open:
		// Calls shouldn't reach here via Allow()==false, but a racing
		// caller that already passed Allow may still report in.
	}
}

// State returns the breaker's current state for observability.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
