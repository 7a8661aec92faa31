package refetch

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("refetch: circuit open")

	// ErrRateLimited is returned when a request is denied due to rate limiting
	ErrRateLimited = errors.New("refetch: rate limited")

	// ErrCacheMiss is returned when a cache lookup fails
	ErrCacheMiss = errors.New("refetch: cache miss")

	// ErrRetryExhausted is returned when all retry attempts have been used
	ErrRetryExhausted = errors.New("refetch: retry exhausted")
)

// errUnexpectedReply marks a store reply that did not match the script
// contract; treated as store degradation, never surfaced to callers.
var errUnexpectedReply = errors.New("refetch: unexpected store reply")

// FetchError describes a failed fetch of a single URL. StatusCode is zero for
// network-class failures where no response was received.
type FetchError struct {
	URL        string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements error interface.
func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %s", e.URL, e.StatusCode, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("fetch %s: %s (%v)", e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Message)
}

// Unwrap returns the underlying cause.
func (e *FetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// RateLimitExceededError is returned when a token could not be obtained and
// the fetcher is configured not to wait. WaitTime estimates when the next
// token becomes available.
type RateLimitExceededError struct {
	WaitTime time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %v", e.WaitTime)
}

// Is reports a match for errors.Is(err, ErrRateLimited).
func (e *RateLimitExceededError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryExhaustedError is returned when an operation kept failing for the
// full retry budget. LastErr carries the error from the final attempt.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

// Unwrap returns the error from the final attempt.
func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// Is reports a match for errors.Is(err, ErrRetryExhausted).
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// CircuitOpenError is returned when a call is rejected without reaching the
// upstream because the named breaker is open.
type CircuitOpenError struct {
	Service string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.Service)
}

// Is reports a match for errors.Is(err, ErrCircuitOpen).
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsTransient determines if an error represents a transient failure that might
// succeed on retry. Returns true for network errors, timeouts, 5xx responses
// and rate limiting (429). Returns false for other 4xx responses and for
// validation errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) {
		return true
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		if fetchErr.StatusCode == 0 {
			return true // no response received, network-class
		}
		if fetchErr.StatusCode == 429 || fetchErr.StatusCode >= 500 {
			return true
		}
		return false
	}

	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		return IsTransient(exhausted.LastErr)
	}

	return false
}
