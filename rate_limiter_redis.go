package refetch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript performs refill-and-consume as one atomic step so two
// processes can never both spend the same token. It returns
// {allowed, waitMs, tokens} and refreshes the state's inactivity expiry.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = burst
  ts = now
end

local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(burst, tokens + elapsed * rate / 1000)
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', key, ttl)
return {allowed, wait, tostring(tokens)}
`)

// RedisLimiterOption configures a RedisLimiter.
type RedisLimiterOption func(*RedisLimiter)

// WithLimiterKeyPrefix overrides the default "ratelimit:" key namespace.
func WithLimiterKeyPrefix(prefix string) RedisLimiterOption {
	return func(l *RedisLimiter) {
		l.keyPrefix = prefix
	}
}

// WithLimiterLogger attaches a logger for store-degradation warnings.
func WithLimiterLogger(logger Logger) RedisLimiterOption {
	return func(l *RedisLimiter) {
		l.logger = logger
	}
}

// RedisLimiter is a token bucket shared across process instances through a
// Redis hash per limiter identity. Every mutation goes through a single Lua
// script, so consumption is serialized by the store. When the store is
// unreachable the limiter fails open: acquires proceed immediately and reads
// report a full bucket, keeping rate limiting from becoming an outage cause.
type RedisLimiter struct {
	client    redis.UniversalClient
	name      string
	keyPrefix string
	rate      float64
	burst     float64
	logger    Logger

	mu      sync.Mutex
	lastErr error
}

// NewRedisLimiter creates a distributed token bucket identified by name.
// State is created lazily in the store on first acquisition and expires
// after 60s of inactivity.
func NewRedisLimiter(client redis.UniversalClient, name string, requestsPerSecond float64, burstSize int, opts ...RedisLimiterOption) *RedisLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 2
	}
	if burstSize <= 0 {
		burstSize = 5
	}
	l := &RedisLimiter{
		client:    client,
		name:      name,
		keyPrefix: "ratelimit:",
		rate:      requestsPerSecond,
		burst:     float64(burstSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLimiter) key() string {
	return l.keyPrefix + l.name
}

// LastError returns the most recent store error, for diagnostics. Store
// errors are never surfaced through the limiter contract itself.
func (l *RedisLimiter) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

func (l *RedisLimiter) recordError(op string, err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
	if l.logger != nil {
		l.logger.Warn("rate limiter store degraded, failing open", "op", op, "name", l.name, "error", err.Error())
	}
}

// tryConsume runs the atomic script once. ok reports whether a token was
// consumed; wait is the store's estimate until the next token. Store errors
// fail open (ok=true).
func (l *RedisLimiter) tryConsume(ctx context.Context) (bool, time.Duration) {
	nowMs := time.Now().UnixMilli()
	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.key()},
		l.rate, l.burst, nowMs, limiterStateTTL.Milliseconds()).Result()
	if err != nil {
		l.recordError("acquire", err)
		return true, 0
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) < 2 {
		l.recordError("acquire", errUnexpectedReply)
		return true, 0
	}
	allowed, _ := reply[0].(int64)
	waitMs, _ := reply[1].(int64)
	return allowed == 1, time.Duration(waitMs) * time.Millisecond
}

func (l *RedisLimiter) TryAcquire(ctx context.Context) bool {
	ok, _ := l.tryConsume(ctx)
	return ok
}

// Acquire suspends until a token is consumed. The wait estimate from the
// store is advisory only; the atomic consume is always re-run because other
// processes may have taken the token in the meantime.
func (l *RedisLimiter) Acquire(ctx context.Context) error {
	for {
		ok, wait := l.tryConsume(ctx)
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

// readState projects current tokens from the stored state without consuming.
// The read is not atomic with concurrent acquires, which is acceptable for
// an estimate.
func (l *RedisLimiter) readState(ctx context.Context) (float64, bool) {
	vals, err := l.client.HMGet(ctx, l.key(), "tokens", "ts").Result()
	if err != nil {
		l.recordError("read", err)
		return l.burst, false
	}

	tokensStr, ok1 := vals[0].(string)
	tsStr, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		// no state yet: bucket is full
		return l.burst, true
	}
	tokens, err1 := strconv.ParseFloat(tokensStr, 64)
	ts, err2 := strconv.ParseInt(tsStr, 10, 64)
	if err1 != nil || err2 != nil {
		return l.burst, true
	}

	elapsedMs := time.Now().UnixMilli() - ts
	if elapsedMs > 0 {
		tokens += float64(elapsedMs) * l.rate / 1000
		if tokens > l.burst {
			tokens = l.burst
		}
	}
	return tokens, true
}

func (l *RedisLimiter) WaitTime(ctx context.Context) time.Duration {
	tokens, ok := l.readState(ctx)
	if !ok || tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / l.rate * float64(time.Second))
}

func (l *RedisLimiter) AvailableTokens(ctx context.Context) float64 {
	tokens, _ := l.readState(ctx)
	return tokens
}

// Reset clears the stored state, restoring a full bucket on next use.
func (l *RedisLimiter) Reset(ctx context.Context) error {
	if err := l.client.Del(ctx, l.key()).Err(); err != nil {
		l.recordError("reset", err)
	}
	return nil
}
