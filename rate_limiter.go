package refetch

import (
	"context"
	"math"
	"sync"
	"time"
)

// limiterStateTTL is how long idle limiter state survives in the distributed
// store before expiring.
const limiterStateTTL = 60 * time.Second

// minAcquireWait floors the suspension between acquisition attempts so a
// stale wait estimate cannot spin the loop.
const minAcquireWait = 5 * time.Millisecond

// RateLimiter is a token bucket: capacity refills continuously at a fixed
// rate up to a burst cap and each admitted call consumes one token.
// Implementations must be safe for concurrent use.
type RateLimiter interface {
	// Acquire suspends the caller until one token is available, then
	// consumes it. It returns an error only when ctx is done; failures of
	// the backing store degrade to fail-open.
	Acquire(ctx context.Context) error
	// TryAcquire attempts non-blocking consumption and reports whether a
	// token was obtained.
	TryAcquire(ctx context.Context) bool
	// WaitTime estimates, without consuming, how long until the next token.
	WaitTime(ctx context.Context) time.Duration
	// AvailableTokens returns the current token count after applying
	// time-based refill.
	AvailableTokens(ctx context.Context) float64
	// Reset restores a full bucket.
	Reset(ctx context.Context) error
}

// MemoryLimiter is a process-local token bucket. Refill is computed lazily
// from elapsed wall-clock time on every operation, so correctness does not
// depend on a background timer.
type MemoryLimiter struct {
	mu         sync.Mutex
	tokens     float64
	rate       float64 // tokens per second
	burst      float64
	lastRefill time.Time
}

// NewMemoryLimiter creates a full bucket admitting requestsPerSecond on
// average with bursts up to burstSize.
func NewMemoryLimiter(requestsPerSecond float64, burstSize int) *MemoryLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 2
	}
	if burstSize <= 0 {
		burstSize = 5
	}
	return &MemoryLimiter{
		tokens:     float64(burstSize),
		rate:       requestsPerSecond,
		burst:      float64(burstSize),
		lastRefill: time.Now(),
	}
}

// refillLocked applies elapsed-time refill. Callers hold mu.
func (l *MemoryLimiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens = math.Min(l.burst, l.tokens+elapsed*l.rate)
	l.lastRefill = now
}

// tryConsume attempts one token and, when unavailable, returns the wait
// until the next token as a single atomic step.
func (l *MemoryLimiter) tryConsume() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked(time.Now())
	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}
	deficit := 1 - l.tokens
	return false, time.Duration(deficit / l.rate * float64(time.Second))
}

func (l *MemoryLimiter) TryAcquire(_ context.Context) bool {
	ok, _ := l.tryConsume()
	return ok
}

// Acquire retries the atomic consume after each estimated wait rather than
// trusting the estimate, since other consumers may intervene.
func (l *MemoryLimiter) Acquire(ctx context.Context) error {
	for {
		ok, wait := l.tryConsume()
		if ok {
			return nil
		}
		if wait < minAcquireWait {
			wait = minAcquireWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (l *MemoryLimiter) WaitTime(_ context.Context) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked(time.Now())
	if l.tokens >= 1 {
		return 0
	}
	deficit := 1 - l.tokens
	return time.Duration(deficit / l.rate * float64(time.Second))
}

func (l *MemoryLimiter) AvailableTokens(_ context.Context) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked(time.Now())
	return l.tokens
}

func (l *MemoryLimiter) Reset(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens = l.burst
	l.lastRefill = time.Now()
	return nil
}
