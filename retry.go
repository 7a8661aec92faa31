package refetch

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/OpusPopuli/opuspopuli-sub001/internal/backoff"
)

// RetryablePredicate reports whether a failure is worth another attempt.
type RetryablePredicate func(err error) bool

// RetryObserver is notified before each wait between attempts. It must not
// block for long; it exists for logging and metrics only.
type RetryObserver func(err error, attempt int, delay time.Duration)

// RetryConfig controls WithRetry. The zero value is not usable; start from
// DefaultRetryConfig.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth of the wait.
	MaxDelay time.Duration
	// Jitter is the fraction of the computed delay added as uniform random
	// noise, clamped to [0, 1].
	Jitter float64
	// IsRetryable gates whether a failure triggers another attempt. Nil
	// retries every failure.
	IsRetryable RetryablePredicate
	// OnRetry fires before each wait.
	OnRetry RetryObserver
}

// DefaultRetryConfig returns the stock configuration: 3 attempts, 1s base
// delay doubling up to 30s, 20% jitter, every failure retried.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

func (c RetryConfig) validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("refetch: retry MaxAttempts must be at least 1")
	}
	if c.BaseDelay <= 0 {
		return errors.New("refetch: retry BaseDelay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return errors.New("refetch: retry MaxDelay must be >= BaseDelay")
	}
	return nil
}

// WithRetry invokes op up to config.MaxAttempts times, waiting between
// attempts with exponential backoff plus jitter. The first successful result
// is returned. A failure the IsRetryable predicate rejects is returned
// immediately. When every attempt fails the error is a *RetryExhaustedError
// carrying the attempt count and the last underlying error. Waits respect
// ctx cancellation.
func WithRetry[T any](ctx context.Context, config RetryConfig, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := config.validate(); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if config.IsRetryable != nil && !config.IsRetryable(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := backoff.Delay(attempt, config.BaseDelay, config.MaxDelay)
		delay += backoff.JitterFraction(delay, config.Jitter)

		if config.OnRetry != nil {
			config.OnRetry(err, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}

	return zero, &RetryExhaustedError{Attempts: config.MaxAttempts, LastErr: lastErr}
}

// IsNetworkError reports whether err looks like a transport-level failure:
// connection refused or reset, timeout, DNS failure, or a fetch that never
// produced a response.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode == 0 {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"no such host",
		"network is unreachable",
		"fetch failed",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// IsServerError reports whether err carries a 5xx upstream status.
func IsServerError(err error) bool {
	if err == nil {
		return false
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.StatusCode >= 500 && fetchErr.StatusCode <= 599
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
		"status 5",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// IsRateLimitError reports whether err indicates upstream throttling (429).
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) {
		return true
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.StatusCode == 429
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit")
}

// AnyOf combines predicates; the result retries when any predicate matches.
func AnyOf(predicates ...RetryablePredicate) RetryablePredicate {
	return func(err error) bool {
		for _, p := range predicates {
			if p(err) {
				return true
			}
		}
		return false
	}
}

// AllOf combines predicates; the result retries only when every predicate
// matches.
func AllOf(predicates ...RetryablePredicate) RetryablePredicate {
	return func(err error) bool {
		for _, p := range predicates {
			if !p(err) {
				return false
			}
		}
		return len(predicates) > 0
	}
}
