package refetch

import (
	"fmt"
	"time"
)

// Option configures a Fetcher at construction.
type Option func(*Fetcher)

// WithTransport injects the HTTP transport used for upstream calls.
func WithTransport(transport Doer) Option {
	return func(f *Fetcher) {
		f.transport = transport
	}
}

// WithTimeout sets the per-call transport timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// WithRateLimit replaces the limiter with a process-local token bucket.
func WithRateLimit(requestsPerSecond float64, burstSize int) Option {
	return func(f *Fetcher) {
		f.limiter = NewMemoryLimiter(requestsPerSecond, burstSize)
	}
}

// WithRateLimiter injects a limiter, typically a RedisLimiter shared across
// instances.
func WithRateLimiter(name string, limiter RateLimiter) Option {
	return func(f *Fetcher) {
		f.limiterName = name
		f.limiter = limiter
	}
}

// WithoutRateLimit disables admission control entirely.
func WithoutRateLimit() Option {
	return func(f *Fetcher) {
		f.limiter = nil
	}
}

// WithWaitForToken controls blocking behavior at the rate limiter. When
// false, a denied call fails immediately with a *RateLimitExceededError
// instead of suspending.
func WithWaitForToken(wait bool) Option {
	return func(f *Fetcher) {
		f.waitForToken = wait
	}
}

// WithCache injects a cache backend.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(f *Fetcher) {
		f.cache = cache
		if ttl > 0 {
			f.cacheTTL = ttl
		}
	}
}

// WithMemoryCache replaces the cache with a bounded in-process cache.
func WithMemoryCache(maxSize int, ttl time.Duration) Option {
	return func(f *Fetcher) {
		f.cache = NewMemoryCache(maxSize, ttl)
		if ttl > 0 {
			f.cacheTTL = ttl
		}
	}
}

// WithoutCache disables result memoization.
func WithoutCache() Option {
	return func(f *Fetcher) {
		f.cache = nil
	}
}

// WithCacheTTL sets the default TTL applied to stored fetch results.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher) {
		f.cacheTTL = ttl
	}
}

// WithRetryConfig sets the retry policy used by FetchWithRetry.
func WithRetryConfig(config RetryConfig) Option {
	return func(f *Fetcher) {
		f.retry = config
	}
}

// WithMaxAttempts sets the total attempt budget for FetchWithRetry.
func WithMaxAttempts(n int) Option {
	return func(f *Fetcher) {
		f.retry.MaxAttempts = n
	}
}

// WithCircuitBreaker configures the breakers handed out per dependency.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(f *Fetcher) {
		f.breakers = NewBreakerRegistry(config)
	}
}

// WithBreakerListener registers a listener for breaker transition events.
func WithBreakerListener(listener BreakerListener) Option {
	return func(f *Fetcher) {
		f.breakers.OnStateChange(listener)
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(f *Fetcher) {
		f.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(f *Fetcher) {
		f.metrics = collector
	}
}

// WithLogger sets a logger for debug output.
func WithLogger(logger Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// validateConfiguration checks the assembled fetcher and returns an error
// listing every problem found.
func (f *Fetcher) validateConfiguration() error {
	var problems []string

	if f.transport == nil {
		problems = append(problems, "transport cannot be nil")
	}
	if f.timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if err := f.retry.validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if f.retry.Jitter < 0 || f.retry.Jitter > 1 {
		problems = append(problems, "retry Jitter must be between 0 and 1")
	}
	if f.cache != nil && f.cacheTTL <= 0 {
		problems = append(problems, "cacheTTL must be positive when cache is enabled")
	}
	if f.timeout > 10*time.Minute {
		problems = append(problems, "timeout > 10m may cause fetches to hang for too long")
	}
	if f.retry.MaxDelay > time.Hour {
		problems = append(problems, "retry MaxDelay > 1h may cause extremely long delays")
	}

	if len(problems) > 0 {
		return fmt.Errorf("refetch: configuration validation failed: %v", problems)
	}
	return nil
}
