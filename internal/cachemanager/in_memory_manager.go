package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/omx-dev/omx/internal/log"
)

const DefaultExpiration = 10 * time.Minute
const DefaultCleanupInterval = 30 * time.Minute

// InMemoryCacheManager backs CacheManager with a process-local store.
// Entries are held as interface values, so Get re-checks the concrete
// type and treats a mismatch as a miss rather than leaking it to the
// caller.
type InMemoryCacheManager[K ~string, V any] struct {
	useCase string
	cache   *gocache.Cache
}

// NewInMemoryCacheManager creates a cache named after its use case. The
// name only appears in log lines.
func NewInMemoryCacheManager[K ~string, V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemoryCacheManager[K, V] {
	return &InMemoryCacheManager[K, V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// Get returns the cached value for key, or the zero value and false on
// a miss.
func (c *InMemoryCacheManager[K, V]) Get(_ context.Context, key K) (V, bool) {
	var zero V

	value, found := c.cache.Get(string(key))
	if !found {
		return zero, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "cached value has unexpected type", "cache", c.useCase, "key", string(key))
		return zero, false
	}

	return v, true
}

// GetWithRefresh returns the cached value and, on a hit, rewrites the
// entry so its TTL starts over.
func (c *InMemoryCacheManager[K, V]) GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool) {
	value, found := c.Get(ctx, key)
	if !found {
		return value, false
	}

	c.Set(ctx, key, value, ttl)

	return value, true
}

// Set stores value under key for ttl.
func (c *InMemoryCacheManager[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) {
	c.cache.Set(string(key), value, ttl)
}

// Delete removes the given keys. Missing keys are not an error.
func (c *InMemoryCacheManager[K, V]) Delete(_ context.Context, keys ...K) error {
	for _, key := range keys {
		c.cache.Delete(string(key))
	}
	return nil
}

// Flush drops every entry.
func (c *InMemoryCacheManager[K, V]) Flush(_ context.Context) error {
	c.cache.Flush()
	return nil
}
