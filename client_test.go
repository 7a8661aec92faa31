package refetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestFetchURLSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html>doc</html>"))
	}))
	defer server.Close()

	f := New(WithoutRateLimit())
	result, err := f.FetchURL(context.Background(), server.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchURL failed: %v", err)
	}
	if result.Content != "<html>doc</html>" {
		t.Errorf("Content = %q", result.Content)
	}
	if result.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", result.StatusCode)
	}
	if result.ContentType != "text/html; charset=utf-8" {
		t.Errorf("ContentType = %q", result.ContentType)
	}
	if result.FromCache {
		t.Error("first fetch must not come from cache")
	}
}

func TestFetchURLSendsHeaders(t *testing.T) {
	var gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := New(WithoutRateLimit())
	_, err := f.FetchURL(context.Background(), server.URL, FetchOptions{
		Headers: map[string]string{"Accept": "application/pdf"},
	})
	if err != nil {
		t.Fatalf("FetchURL failed: %v", err)
	}
	if gotAccept != "application/pdf" {
		t.Errorf("Accept header = %q, want application/pdf", gotAccept)
	}
}

func TestFetchURLCachesResult(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	f := New(WithoutRateLimit())
	ctx := context.Background()

	first, err := f.FetchURL(ctx, server.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	second, err := f.FetchURL(ctx, server.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("upstream calls = %d, want 1", calls)
	}
	if first.FromCache {
		t.Error("first result must not come from cache")
	}
	if !second.FromCache {
		t.Error("second result must come from cache")
	}
	if second.Content != "payload" || second.StatusCode != 200 {
		t.Errorf("cached result = %+v", second)
	}
}

func TestFetchURLBypassCache(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("fresh"))
	}))
	defer server.Close()

	f := New(WithoutRateLimit())
	ctx := context.Background()
	opts := FetchOptions{BypassCache: true}

	for i := 0; i < 2; i++ {
		result, err := f.FetchURL(ctx, server.URL, opts)
		if err != nil {
			t.Fatalf("fetch %d failed: %v", i+1, err)
		}
		if result.FromCache {
			t.Error("bypassed fetch must not come from cache")
		}
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
}

func TestFetchURLHeadersAffectCacheKey(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := New(WithoutRateLimit())
	ctx := context.Background()

	_, _ = f.FetchURL(ctx, server.URL, FetchOptions{})
	_, _ = f.FetchURL(ctx, server.URL, FetchOptions{Headers: map[string]string{"Accept": "application/pdf"}})

	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("upstream calls = %d, want 2 for distinct header sets", calls)
	}
}

func TestFetchURLStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	f := New(WithoutRateLimit())
	_, err := f.FetchURL(context.Background(), server.URL, FetchOptions{})

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error = %T, want *FetchError", err)
	}
	if fetchErr.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404", fetchErr.StatusCode)
	}
	if fetchErr.URL != server.URL {
		t.Errorf("URL = %q, want %q", fetchErr.URL, server.URL)
	}
}

func TestFetchURLNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	f := New(WithoutRateLimit())
	_, err := f.FetchURL(context.Background(), url, FetchOptions{})

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error = %T, want *FetchError", err)
	}
	if fetchErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for a network failure", fetchErr.StatusCode)
	}
	if fetchErr.Unwrap() == nil {
		t.Error("network failure must carry its cause")
	}
}

func TestFetchURLErrorsAreNotCached(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	f := New(WithoutRateLimit())
	ctx := context.Background()

	_, _ = f.FetchURL(ctx, server.URL, FetchOptions{})
	_, _ = f.FetchURL(ctx, server.URL, FetchOptions{})

	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("upstream calls = %d, want 2; failures must not be memoized", calls)
	}
}

func TestFetchWithRetryEventualSuccess(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	f := New(WithoutRateLimit(), WithRetryConfig(fastRetry()))
	result, err := f.FetchWithRetry(context.Background(), server.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchWithRetry failed: %v", err)
	}
	if result.Content != "recovered" {
		t.Errorf("Content = %q", result.Content)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("upstream calls = %d, want 3", calls)
	}
}

func TestFetchWithRetryExhaustion(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	f := New(WithoutRateLimit(), WithRetryConfig(fastRetry()))
	_, err := f.FetchWithRetry(context.Background(), server.URL, FetchOptions{})

	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %T, want *RetryExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("upstream calls = %d, want 3", calls)
	}

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode != 500 {
		t.Error("last upstream failure must be reachable through the exhaustion error")
	}
}

func TestFetchWithRetryDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	f := New(WithoutRateLimit(), WithRetryConfig(fastRetry()))
	_, err := f.FetchWithRetry(context.Background(), server.URL, FetchOptions{})

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("upstream calls = %d, want 1; 404 is not retryable", calls)
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode != 404 {
		t.Errorf("error = %v, want the 404 surfaced directly", err)
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		t.Error("non-retryable failure must not be wrapped as exhaustion")
	}
}

func TestFetchWithRetryUsesCache(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("cached"))
	}))
	defer server.Close()

	f := New(WithoutRateLimit(), WithRetryConfig(fastRetry()))
	ctx := context.Background()

	_, _ = f.FetchWithRetry(ctx, server.URL, FetchOptions{})
	result, err := f.FetchWithRetry(ctx, server.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if !result.FromCache {
		t.Error("second fetch must come from cache")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("upstream calls = %d, want 1", calls)
	}
}

func TestFetchURLCircuitBreakerOpens(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	f := New(
		WithoutRateLimit(),
		WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, CoolDown: time.Minute}),
	)
	ctx := context.Background()

	_, _ = f.FetchURL(ctx, server.URL, FetchOptions{})
	_, _ = f.FetchURL(ctx, server.URL, FetchOptions{})

	_, err := f.FetchURL(ctx, server.URL, FetchOptions{})
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("error = %T, want *CircuitOpenError", err)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("expected errors.Is(err, ErrCircuitOpen)")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("upstream calls = %d, want 2; open breaker must not touch the network", calls)
	}

	snaps := f.BreakerSnapshots()
	if len(snaps) != 1 || snaps[0].State != StateOpen {
		t.Errorf("snapshots = %+v, want one open breaker", snaps)
	}
}

func TestFetchURLServiceNameIsolatesBreakers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	f := New(
		WithoutRateLimit(),
		WithoutCache(),
		WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, CoolDown: time.Minute}),
	)
	ctx := context.Background()

	_, _ = f.FetchURL(ctx, server.URL, FetchOptions{Service: "ocr"})

	// A different dependency name gets its own breaker and still reaches
	// the upstream.
	_, err := f.FetchURL(ctx, server.URL, FetchOptions{Service: "embeddings"})
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Errorf("error = %T, want *FetchError from the upstream, not a breaker rejection", err)
	}
}

func TestFetchURLRateLimitImmediateFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := New(
		WithRateLimit(1, 1),
		WithWaitForToken(false),
		WithoutCache(),
	)
	ctx := context.Background()

	if _, err := f.FetchURL(ctx, server.URL, FetchOptions{}); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}

	_, err := f.FetchURL(ctx, server.URL, FetchOptions{})
	var limited *RateLimitExceededError
	if !errors.As(err, &limited) {
		t.Fatalf("error = %T, want *RateLimitExceededError", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("expected errors.Is(err, ErrRateLimited)")
	}
	if limited.WaitTime <= 0 {
		t.Errorf("WaitTime = %v, want positive", limited.WaitTime)
	}
}

func TestFetchURLCacheHitConsumesNoToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := New(
		WithRateLimit(1, 1),
		WithWaitForToken(false),
	)
	ctx := context.Background()

	if _, err := f.FetchURL(ctx, server.URL, FetchOptions{}); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}

	// The bucket is empty, yet the cached result is still served.
	result, err := f.FetchURL(ctx, server.URL, FetchOptions{})
	if err != nil {
		t.Fatalf("cached fetch failed: %v", err)
	}
	if !result.FromCache {
		t.Error("expected the cached result")
	}
}

func TestFetchURLPerCallTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer server.Close()

	f := New(WithoutRateLimit())
	_, err := f.FetchURL(context.Background(), server.URL, FetchOptions{Timeout: 20 * time.Millisecond})

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error = %T, want *FetchError", err)
	}
	if fetchErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for a timeout", fetchErr.StatusCode)
	}
}

func TestNewValidatesConfiguration(t *testing.T) {
	f := New(WithTimeout(-time.Second))
	if f.IsValid() {
		t.Error("negative timeout must fail validation")
	}
	if f.ValidationError() == nil {
		t.Error("ValidationError should describe the problem")
	}

	ok := New()
	if !ok.IsValid() {
		t.Errorf("default configuration should validate, got %v", ok.ValidationError())
	}
}
