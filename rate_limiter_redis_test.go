package refetch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr:         mr.Addr(),
		DialTimeout:  100 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
		MaxRetries:   1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiterBurst(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLimiter(client, "extract", 5, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, l.TryAcquire(ctx), "acquisition %d within burst", i+1)
	}
	assert.False(t, l.TryAcquire(ctx), "6th acquisition must be denied")

	wait := l.WaitTime(ctx)
	assert.InDelta(t, 200*time.Millisecond, wait, float64(80*time.Millisecond), "one token refills every 200ms at 5 rps")
}

func TestRedisLimiterRefill(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLimiter(client, "extract", 10, 1)
	ctx := context.Background()

	require.True(t, l.TryAcquire(ctx))
	require.False(t, l.TryAcquire(ctx))

	// Refill is driven by caller-supplied wall-clock time.
	time.Sleep(120 * time.Millisecond)
	assert.True(t, l.TryAcquire(ctx), "one token should have refilled")
	assert.False(t, l.TryAcquire(ctx))
}

func TestRedisLimiterSharedState(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	// Two limiter instances with the same identity share one bucket.
	a := NewRedisLimiter(client, "shared", 1, 2)
	b := NewRedisLimiter(client, "shared", 1, 2)

	require.True(t, a.TryAcquire(ctx))
	require.True(t, b.TryAcquire(ctx))
	assert.False(t, a.TryAcquire(ctx))
	assert.False(t, b.TryAcquire(ctx))
}

func TestRedisLimiterIsolatedByName(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLimiter(client, "alpha", 1, 1)
	b := NewRedisLimiter(client, "beta", 1, 1)

	require.True(t, a.TryAcquire(ctx))
	assert.True(t, b.TryAcquire(ctx), "beta must not observe alpha's consumption")
}

func TestRedisLimiterStateExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLimiter(client, "idle", 2, 5)
	ctx := context.Background()

	require.True(t, l.TryAcquire(ctx))
	require.True(t, mr.Exists("ratelimit:idle"))

	ttl := mr.TTL("ratelimit:idle")
	assert.Greater(t, ttl, 50*time.Second)
	assert.LessOrEqual(t, ttl, 60*time.Second)
}

func TestRedisLimiterFailOpen(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLimiter(client, "degraded", 1, 1)
	ctx := context.Background()

	mr.Close()

	// Reads return optimistic defaults, acquires proceed immediately.
	assert.True(t, l.TryAcquire(ctx), "TryAcquire must fail open")
	assert.Equal(t, time.Duration(0), l.WaitTime(ctx))
	assert.Equal(t, 1.0, l.AvailableTokens(ctx))

	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err, "Acquire must resolve without error when the store is down")
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire blocked with the store unreachable")
	}

	assert.Error(t, l.LastError(), "degradation must be observable via LastError")
}

func TestRedisLimiterReset(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLimiter(client, "resettable", 1, 1)
	ctx := context.Background()

	require.True(t, l.TryAcquire(ctx))
	require.False(t, l.TryAcquire(ctx))

	require.NoError(t, l.Reset(ctx))
	assert.True(t, l.TryAcquire(ctx), "full bucket after reset")
}

func TestRedisLimiterKeyPrefixOption(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLimiter(client, "custom", 1, 1, WithLimiterKeyPrefix("rl:fetch:"))

	require.True(t, l.TryAcquire(context.Background()))
	assert.True(t, mr.Exists("rl:fetch:custom"))
}

func TestRedisLimiterAvailableTokens(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLimiter(client, "counted", 1, 5)
	ctx := context.Background()

	assert.Equal(t, 5.0, l.AvailableTokens(ctx), "untouched bucket reports full burst")

	require.True(t, l.TryAcquire(ctx))
	require.True(t, l.TryAcquire(ctx))
	assert.InDelta(t, 3.0, l.AvailableTokens(ctx), 0.2)
}
