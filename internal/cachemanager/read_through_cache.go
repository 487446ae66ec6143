package cachemanager

import (
	"context"
	"time"
)

// ReadThroughCache pairs a CacheManager with a loader. Hits are served
// from the cache; misses invoke the loader and cache its result. Loader
// errors are returned without caching, so an entry that does not exist
// yet is retried on the next call.
type ReadThroughCache[K comparable, V any, I any] struct {
	cache  CacheManager[K, V]
	load   func(ctx context.Context, input I) (V, error)
	bypass bool
}

// NewReadThroughCache wires a loader behind cache. With bypass set every
// call goes straight to the loader, which keeps call sites unchanged
// when caching is turned off.
func NewReadThroughCache[K comparable, V any, I any](
	cache CacheManager[K, V],
	load func(ctx context.Context, input I) (V, error),
	bypass bool,
) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{
		cache:  cache,
		load:   load,
		bypass: bypass,
	}
}

// Get returns the value for key, loading and caching it on a miss.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.bypass {
		return r.load(ctx, input)
	}

	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	value, err := r.load(ctx, input)
	if err != nil {
		return value, err
	}

	r.cache.Set(ctx, key, value, ttl)

	return value, nil
}

// GetWithRefresh behaves like Get but a hit also restarts the entry's
// TTL, giving frequently read keys a sliding expiry.
func (r *ReadThroughCache[K, V, I]) GetWithRefresh(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.bypass {
		return r.load(ctx, input)
	}

	if value, ok := r.cache.GetWithRefresh(ctx, key, ttl); ok {
		return value, nil
	}

	value, err := r.load(ctx, input)
	if err != nil {
		return value, err
	}

	r.cache.Set(ctx, key, value, ttl)

	return value, nil
}
