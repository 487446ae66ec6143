// Package cachemanager provides a small typed caching layer. The tool
// server uses it to avoid re-walking the filesystem on every call when
// resolving which project directory holds a team's state.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is a typed key/value cache with per-entry TTLs.
type CacheManager[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
}
