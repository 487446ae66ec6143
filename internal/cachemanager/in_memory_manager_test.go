package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type resolvedDir struct {
	Project string
	Team    string
}

func TestInMemoryCacheManager_GetAfterSet(t *testing.T) {
	cache := NewInMemoryCacheManager[string, resolvedDir]("workdir", DefaultExpiration, DefaultCleanupInterval)
	want := resolvedDir{Project: "/work/proj", Team: "alpha"}
	cache.Set(context.Background(), "alpha", want, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "alpha")
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestInMemoryCacheManager_GetMiss(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("workdir", DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.Get(context.Background(), "alpha")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_TypedKeys(t *testing.T) {
	type teamName string
	cache := NewInMemoryCacheManager[teamName, string]("workdir", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), teamName("alpha"), "/work/proj", DefaultExpiration)

	got, ok := cache.Get(context.Background(), teamName("alpha"))
	require.True(t, ok)
	require.Equal(t, "/work/proj", got)
}

func TestInMemoryCacheManager_WrongStoredTypeIsAMiss(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("workdir", DefaultExpiration, DefaultCleanupInterval)

	cache.cache.Set("alpha", 123, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "alpha")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_ExpiredEntryIsAMiss(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("workdir", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "alpha", "/work/proj", time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := cache.Get(context.Background(), "alpha")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestInMemoryCacheManager_GetWithRefreshExtendsTTL(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("workdir", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "alpha", "/work/proj", 50*time.Millisecond)

	got, ok := cache.GetWithRefresh(context.Background(), "alpha", time.Minute)
	require.True(t, ok)
	require.Equal(t, "/work/proj", got)

	time.Sleep(80 * time.Millisecond)

	got, ok = cache.Get(context.Background(), "alpha")
	require.True(t, ok)
	require.Equal(t, "/work/proj", got)
}

func TestInMemoryCacheManager_GetWithRefreshMiss(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("workdir", DefaultExpiration, DefaultCleanupInterval)

	_, ok := cache.GetWithRefresh(context.Background(), "alpha", time.Minute)
	require.False(t, ok)
}

func TestInMemoryCacheManager_Delete(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("workdir", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "alpha", "/work/a", DefaultExpiration)
	cache.Set(context.Background(), "beta", "/work/b", DefaultExpiration)

	require.NoError(t, cache.Delete(context.Background(), "alpha", "missing"))

	_, ok := cache.Get(context.Background(), "alpha")
	require.False(t, ok)
	_, ok = cache.Get(context.Background(), "beta")
	require.True(t, ok)
}

func TestInMemoryCacheManager_Flush(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("workdir", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "alpha", "/work/a", DefaultExpiration)
	cache.Set(context.Background(), "beta", "/work/b", DefaultExpiration)

	require.NoError(t, cache.Flush(context.Background()))

	_, ok := cache.Get(context.Background(), "alpha")
	require.False(t, ok)
	_, ok = cache.Get(context.Background(), "beta")
	require.False(t, ok)
}
