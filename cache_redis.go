package refetch

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCacheOption configures a RedisCache.
type RedisCacheOption func(*RedisCache)

// WithCacheKeyPrefix overrides the default "cache:" key namespace, letting
// multiple logical caches share one store without collision.
func WithCacheKeyPrefix(prefix string) RedisCacheOption {
	return func(c *RedisCache) {
		c.keyPrefix = prefix
	}
}

// WithCacheLogger attaches a logger for backend-degradation warnings.
func WithCacheLogger(logger Logger) RedisCacheOption {
	return func(c *RedisCache) {
		c.logger = logger
	}
}

// RedisCache is a Cache backed by a shared Redis store, using the store's
// native per-key expiry. Every operation is fail-soft: a backend error is
// recorded, optionally logged, and treated as a miss or no-op.
type RedisCache struct {
	client     redis.UniversalClient
	keyPrefix  string
	defaultTTL time.Duration
	logger     Logger

	mu      sync.Mutex
	lastErr error
}

// NewRedisCache creates a distributed cache under the "cache:" namespace
// with the given default TTL (default 5 minutes).
func NewRedisCache(client redis.UniversalClient, defaultTTL time.Duration, opts ...RedisCacheOption) *RedisCache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	c := &RedisCache{
		client:     client,
		keyPrefix:  "cache:",
		defaultTTL: defaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) recordError(op string, err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Warn("cache backend degraded", "op", op, "error", err.Error())
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	data, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.recordError("get", err)
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.recordError("get", err)
		return nil, false
	}
	return &entry, true
}

func (c *RedisCache) Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) {
	if entry == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	entry.ExpiresAt = time.Now().Add(ttl)

	data, err := json.Marshal(entry)
	if err != nil {
		c.recordError("set", err)
		return
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, data, ttl).Err(); err != nil {
		c.recordError("set", err)
	}
}

func (c *RedisCache) Has(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, c.keyPrefix+key).Result()
	if err != nil {
		c.recordError("has", err)
		return false
	}
	return n > 0
}

func (c *RedisCache) Delete(ctx context.Context, key string) bool {
	n, err := c.client.Del(ctx, c.keyPrefix+key).Result()
	if err != nil {
		c.recordError("delete", err)
		return false
	}
	return n > 0
}

func (c *RedisCache) Clear(ctx context.Context) {
	keys, err := c.client.Keys(ctx, c.keyPrefix+"*").Result()
	if err != nil {
		c.recordError("clear", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.recordError("clear", err)
	}
}

func (c *RedisCache) Size(ctx context.Context) int {
	keys, err := c.client.Keys(ctx, c.keyPrefix+"*").Result()
	if err != nil {
		c.recordError("size", err)
		return 0
	}
	return len(keys)
}

func (c *RedisCache) Keys(ctx context.Context) []string {
	keys, err := c.client.Keys(ctx, c.keyPrefix+"*").Result()
	if err != nil {
		c.recordError("keys", err)
		return nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, c.keyPrefix))
	}
	sort.Strings(out)
	return out
}

// LastError returns the most recent backend error, if any.
func (c *RedisCache) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
