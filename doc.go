// Package refetch retrieves external resources for the document extraction
// pipeline under composed reliability disciplines:
//
//   - Token-bucket rate limiting, process-local or shared across instances
//     through Redis (atomic Lua check-and-decrement, fail-open on store loss)
//   - Retries with exponential backoff + jitter and pluggable retryability
//     predicates
//   - Per-dependency circuit breakers with half-open probing and transition
//     events
//   - Short-TTL response caching keyed by URL + headers, in-memory or
//     Redis-backed, always fail-soft
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - Typed errors at the boundary: FetchError, RateLimitExceededError,
//     RetryExhaustedError, CircuitOpenError; nothing else leaks through
//   - Safe concurrent use of a single *Fetcher instance
//   - Extensibility via injected transport, cache and rate limiter
//
// Typical usage:
//
//	fetcher := refetch.New(
//	    refetch.WithRateLimit(2, 5),
//	    refetch.WithMemoryCache(100, 5*time.Minute),
//	    refetch.WithMaxAttempts(3),
//	)
//	result, err := fetcher.FetchWithRetry(ctx, "https://example.com/report.html", refetch.FetchOptions{})
//
// Auxiliary helpers ExtractPDFText, SelectElements and ExtractTextContent
// turn fetched payloads into text for the downstream extractors; they are
// deterministic and bypass all reliability layers.
package refetch
