package refetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxBodySize caps how much of an upstream body is read and cached.
const maxBodySize = 10 * 1024 * 1024

// Doer is the injected HTTP transport. *http.Client satisfies it; swapping
// it enables connection-pooling or recording implementations.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchResult is the immutable value returned to callers. When FromCache is
// true, StatusCode and ContentType reflect the cached fetch and are not
// re-verified against the upstream.
type FetchResult struct {
	Content     string
	FromCache   bool
	StatusCode  int
	ContentType string
}

// FetchOptions tune a single fetch. The zero value is valid.
type FetchOptions struct {
	// Headers are sent with the request and participate in the cache key.
	Headers map[string]string
	// Timeout overrides the fetcher default for this call.
	Timeout time.Duration
	// BypassCache skips the cache lookup and store.
	BypassCache bool
	// CacheTTL overrides the cache default for this call's stored result.
	CacheTTL time.Duration
	// Service names the circuit breaker dependency; defaults to the URL host.
	Service string
}

// fetchFunc is one stage of the fetch pipeline. Reliability layers are
// decorators taking and returning a fetchFunc, composed left to right.
type fetchFunc func(ctx context.Context) (*FetchResult, error)

// Fetcher retrieves external resources under three composed disciplines:
// token-bucket rate limiting, per-dependency circuit breaking and, through
// FetchWithRetry, bounded exponential-backoff retry. Results are memoized in
// a pluggable cache. The Fetcher itself holds no per-call state and is safe
// for concurrent use.
type Fetcher struct {
	transport    Doer
	timeout      time.Duration
	limiter      RateLimiter
	limiterName  string
	waitForToken bool
	breakers     *BreakerRegistry
	cache        Cache
	cacheTTL     time.Duration
	retry        RetryConfig
	metrics      *MetricsCollector
	logger       Logger

	validationError error
}

// New constructs a Fetcher using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Fetcher {
	f := &Fetcher{
		transport:    &http.Client{Timeout: 30 * time.Second},
		timeout:      30 * time.Second,
		limiter:      NewMemoryLimiter(2, 5),
		limiterName:  "default",
		waitForToken: true,
		breakers:     NewBreakerRegistry(CircuitBreakerConfig{}),
		cache:        NewMemoryCache(100, 5*time.Minute),
		cacheTTL:     5 * time.Minute,
		retry:        DefaultRetryConfig(),
	}

	for _, option := range options {
		option(f)
	}

	if err := f.validateConfiguration(); err != nil {
		f.validationError = err
	}

	return f
}

// IsValid reports whether configuration validation passed at construction.
func (f *Fetcher) IsValid() bool {
	return f.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (f *Fetcher) ValidationError() error {
	return f.validationError
}

// BreakerSnapshots returns health views of every breaker created so far.
func (f *Fetcher) BreakerSnapshots() []BreakerSnapshot {
	return f.breakers.Snapshots()
}

// FetchURL retrieves rawURL once: cache check, rate-limit token, circuit
// breaker, transport. A cache hit returns immediately with FromCache=true,
// consuming no token and touching no network. Failures surface as one of
// the typed errors (FetchError, RateLimitExceededError, CircuitOpenError);
// no raw transport error leaks through.
func (f *Fetcher) FetchURL(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResult, error) {
	start := time.Now()
	endpoint := endpointFromURL(rawURL)
	f.metrics.RecordFetchStart(endpoint)
	defer f.metrics.RecordFetchEnd(endpoint)

	if result, ok := f.cacheLookup(ctx, rawURL, opts, endpoint); ok {
		f.metrics.RecordFetch(endpoint, result.StatusCode, "cache", time.Since(start))
		return result, nil
	}

	result, err := f.pipeline(rawURL, opts)(ctx)
	if err != nil {
		f.metrics.RecordFetch(endpoint, 0, "network", time.Since(start))
		return nil, err
	}

	f.cacheStore(ctx, rawURL, opts, result)
	f.metrics.RecordFetch(endpoint, result.StatusCode, "network", time.Since(start))
	return result, nil
}

// FetchWithRetry behaves like FetchURL with the whole rate-limit, breaker
// and transport sequence wrapped in the retry executor using the network,
// server-error and rate-limit predicates. The cache is consulted once,
// before the retry loop, never per attempt.
func (f *Fetcher) FetchWithRetry(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResult, error) {
	start := time.Now()
	endpoint := endpointFromURL(rawURL)
	f.metrics.RecordFetchStart(endpoint)
	defer f.metrics.RecordFetchEnd(endpoint)

	if result, ok := f.cacheLookup(ctx, rawURL, opts, endpoint); ok {
		f.metrics.RecordFetch(endpoint, result.StatusCode, "cache", time.Since(start))
		return result, nil
	}

	cfg := f.retry
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = AnyOf(IsNetworkError, IsServerError, IsRateLimitError)
	}
	observer := cfg.OnRetry
	cfg.OnRetry = func(err error, attempt int, delay time.Duration) {
		f.metrics.RecordRetry(endpoint, attempt)
		if f.logger != nil {
			f.logger.Info("scheduling retry", "endpoint", endpoint, "attempt", attempt, "delay", delay, "error", err.Error())
		}
		if observer != nil {
			observer(err, attempt, delay)
		}
	}

	result, err := WithRetry(ctx, cfg, f.pipeline(rawURL, opts))
	if err != nil {
		f.metrics.RecordFetch(endpoint, 0, "network", time.Since(start))
		return nil, err
	}

	f.cacheStore(ctx, rawURL, opts, result)
	f.metrics.RecordFetch(endpoint, result.StatusCode, "network", time.Since(start))
	return result, nil
}

// pipeline composes the reliability stages around the transport call:
// rate limit -> circuit breaker -> transport.
func (f *Fetcher) pipeline(rawURL string, opts FetchOptions) fetchFunc {
	service := opts.Service
	if service == "" {
		service = endpointHost(rawURL)
	}
	return f.withRateLimit(f.withBreaker(service, f.transportCall(rawURL, opts)))
}

// withRateLimit gates next behind one token. With waitForToken the caller
// suspends until admitted; otherwise denial surfaces immediately as a
// *RateLimitExceededError carrying the wait estimate.
func (f *Fetcher) withRateLimit(next fetchFunc) fetchFunc {
	if f.limiter == nil {
		return next
	}
	return func(ctx context.Context) (*FetchResult, error) {
		if f.waitForToken {
			if err := f.limiter.Acquire(ctx); err != nil {
				return nil, err
			}
		} else if !f.limiter.TryAcquire(ctx) {
			wait := f.limiter.WaitTime(ctx)
			f.metrics.RecordError("RateLimit", "")
			if f.logger != nil {
				f.logger.Warn("rate limit exceeded", "wait", wait)
			}
			return nil, &RateLimitExceededError{WaitTime: wait}
		}
		f.metrics.RecordRateLimiterTokens(f.limiterName, f.limiter.AvailableTokens(ctx))
		return next(ctx)
	}
}

// withBreaker runs next under the named dependency's breaker.
func (f *Fetcher) withBreaker(service string, next fetchFunc) fetchFunc {
	return func(ctx context.Context) (*FetchResult, error) {
		cb := f.breakers.Get(service)

		var result *FetchResult
		err := cb.Execute(ctx, func(ctx context.Context) error {
			r, err := next(ctx)
			result = r
			return err
		})
		f.metrics.RecordCircuitBreakerState(service, cb.State())
		if err != nil {
			if _, open := err.(*CircuitOpenError); open {
				f.metrics.RecordError("CircuitOpen", service)
				if f.logger != nil {
					f.logger.Warn("circuit breaker open", "service", service)
				}
			}
			return nil, err
		}
		return result, nil
	}
}

// transportCall performs the actual HTTP GET with the configured timeout,
// mapping every failure to a *FetchError: status 0 for network-class
// failures, the upstream status for non-2xx responses.
func (f *Fetcher) transportCall(rawURL string, opts FetchOptions) fetchFunc {
	return func(ctx context.Context) (*FetchResult, error) {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = f.timeout
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, &FetchError{URL: rawURL, Message: "invalid request", Cause: err}
		}
		for name, value := range opts.Headers {
			req.Header.Set(name, value)
		}

		resp, err := f.transport.Do(req)
		if err != nil {
			f.metrics.RecordError("Network", endpointFromURL(rawURL))
			return nil, &FetchError{URL: rawURL, Message: "request failed", Cause: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			f.metrics.RecordError("Network", endpointFromURL(rawURL))
			return nil, &FetchError{URL: rawURL, Message: "reading body failed", Cause: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			errType := "Client"
			if resp.StatusCode >= 500 {
				errType = "Server"
			}
			f.metrics.RecordError(errType, endpointFromURL(rawURL))
			return nil, &FetchError{
				URL:        rawURL,
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("unexpected status: %s", http.StatusText(resp.StatusCode)),
			}
		}

		return &FetchResult{
			Content:     string(body),
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
		}, nil
	}
}

// cacheLookup returns a cached result unless caching is disabled or
// bypassed for this call.
func (f *Fetcher) cacheLookup(ctx context.Context, rawURL string, opts FetchOptions, endpoint string) (*FetchResult, bool) {
	if f.cache == nil || opts.BypassCache {
		return nil, false
	}

	key := CacheKey(rawURL, opts.Headers)
	entry, found := f.cache.Get(ctx, key)
	if !found {
		f.metrics.RecordCacheMiss(endpoint)
		if f.logger != nil {
			f.logger.Debug("cache miss", "url", rawURL, "key", key)
		}
		return nil, false
	}

	f.metrics.RecordCacheHit(endpoint)
	if f.logger != nil {
		f.logger.Debug("cache hit", "url", rawURL, "key", key)
	}
	return &FetchResult{
		Content:     string(entry.Value),
		FromCache:   true,
		StatusCode:  entry.StatusCode,
		ContentType: entry.ContentType,
	}, true
}

func (f *Fetcher) cacheStore(ctx context.Context, rawURL string, opts FetchOptions, result *FetchResult) {
	if f.cache == nil || opts.BypassCache {
		return
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = f.cacheTTL
	}
	key := CacheKey(rawURL, opts.Headers)
	f.cache.Set(ctx, key, &CacheEntry{
		Value:       []byte(result.Content),
		StatusCode:  result.StatusCode,
		ContentType: result.ContentType,
	}, ttl)
	f.metrics.RecordCacheSize("default", f.cache.Size(ctx))
}

// endpointFromURL extracts host+path for metric labels.
func endpointFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}

	var builder strings.Builder
	builder.WriteString(u.Host)
	if u.Path != "" && u.Path != "/" {
		builder.WriteString(u.Path)
	} else {
		builder.WriteByte('/')
	}
	return builder.String()
}

func endpointHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
