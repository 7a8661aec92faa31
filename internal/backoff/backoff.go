// Package backoff computes retry delays: exponential doubling capped at a
// maximum, with an additive uniform jitter applied separately so the base
// schedule stays exact and testable.
package backoff

import (
	"math/rand"
	"time"
)

// maxDoublings bounds the shift so the multiplication cannot overflow a
// time.Duration even with large base delays.
const maxDoublings = 32

// Delay returns the base delay for attempt (1-indexed): min(max, base*2^(attempt-1)).
// Attempts below 1 are treated as 1.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	exp := attempt - 1
	if exp >= maxDoublings {
		return max
	}
	d := base << uint(exp)
	if d <= 0 || d > max {
		// shifted past the cap or wrapped negative
		return max
	}
	return d
}

// Jitter returns a uniformly random duration in [0, window). A zero or
// negative window yields zero, keeping jitterless configurations exact.
func Jitter(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(window)))
}

// JitterFraction returns a uniformly random duration in [0, d*fraction).
// Fraction is clamped to [0, 1].
func JitterFraction(d time.Duration, fraction float64) time.Duration {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return Jitter(time.Duration(float64(d) * fraction))
}
