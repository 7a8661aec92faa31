package refetch

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// CacheEntry is a memoized fetch result. ExpiresAt is set by the backend
// from the TTL supplied at Set time.
type CacheEntry struct {
	Value       []byte    `json:"value"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Cache memoizes fetch results under a key namespace. Caching is an
// optimization, never a correctness dependency: implementations swallow
// backend errors, behave as a miss or no-op, and expose the failure only
// through LastError.
type Cache interface {
	// Get returns the live entry for key, or false when absent or expired.
	Get(ctx context.Context, key string) (*CacheEntry, bool)
	// Set stores entry under key. A zero ttl uses the backend default.
	Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration)
	// Has reports whether a live entry exists without returning it.
	Has(ctx context.Context, key string) bool
	// Delete removes key, reporting whether an entry was present.
	Delete(ctx context.Context, key string) bool
	// Clear removes every entry under this cache's namespace.
	Clear(ctx context.Context)
	// Size counts live entries under this cache's namespace.
	Size(ctx context.Context) int
	// Keys enumerates key suffixes with the namespace prefix stripped.
	Keys(ctx context.Context) []string
	// LastError returns the most recent backend error, for diagnostics.
	LastError() error
}

// CacheKey builds a deterministic key from the normalized URL plus a
// canonical serialization of any custom headers, so identical URLs fetched
// with different headers cache independently.
func CacheKey(rawURL string, headers map[string]string) string {
	normalized := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		u.Host = strings.ToLower(u.Host)
		u.Scheme = strings.ToLower(u.Scheme)
		normalized = u.String()
	}

	h := fnv.New64a()
	h.Write([]byte(normalized))
	if len(headers) > 0 {
		names := make([]string, 0, len(headers))
		for name := range headers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			h.Write([]byte{'|'})
			h.Write([]byte(strings.ToLower(name)))
			h.Write([]byte{'='})
			h.Write([]byte(headers[name]))
		}
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// MemoryCache is a bounded in-process Cache with lazy TTL expiry. When full,
// inserting a new key evicts the entry closest to expiry. It never reports
// a backend error.
type MemoryCache struct {
	mu         sync.RWMutex
	store      map[string]*CacheEntry
	maxSize    int
	defaultTTL time.Duration
}

// NewMemoryCache creates a cache holding at most maxSize entries with the
// given default TTL (defaults: 100 entries, 5 minutes).
func NewMemoryCache(maxSize int, defaultTTL time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &MemoryCache{
		store:      make(map[string]*CacheEntry),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.store[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(c.store, key)
		return nil, false
	}
	return entry, true
}

func (c *MemoryCache) Set(_ context.Context, key string, entry *CacheEntry, ttl time.Duration) {
	if entry == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	entry.ExpiresAt = time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.store[key]; !exists && len(c.store) >= c.maxSize {
		c.evictLocked()
	}
	c.store[key] = entry
}

// evictLocked drops the entry closest to expiry. Callers hold mu.
func (c *MemoryCache) evictLocked() {
	var victim string
	var soonest time.Time
	for k, e := range c.store {
		if victim == "" || e.ExpiresAt.Before(soonest) {
			victim = k
			soonest = e.ExpiresAt
		}
	}
	if victim != "" {
		delete(c.store, victim)
	}
}

func (c *MemoryCache) Has(ctx context.Context, key string) bool {
	_, ok := c.Get(ctx, key)
	return ok
}

func (c *MemoryCache) Delete(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.store[key]
	delete(c.store, key)
	return ok
}

func (c *MemoryCache) Clear(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = make(map[string]*CacheEntry)
}

func (c *MemoryCache) Size(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	n := 0
	for k, e := range c.store {
		if now.After(e.ExpiresAt) {
			delete(c.store, k)
			continue
		}
		n++
	}
	return n
}

func (c *MemoryCache) Keys(_ context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, len(c.store))
	for k, e := range c.store {
		if now.After(e.ExpiresAt) {
			delete(c.store, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LastError always returns nil; the in-process backend cannot fail.
func (c *MemoryCache) LastError() error {
	return nil
}
