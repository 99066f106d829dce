package cachemanager

import (
	"context"
	"time"
)

// ReadThroughCache wraps a loader function with the cache: misses run
// the loader and store its result. Used to put analysis results in
// front of the engine.
type ReadThroughCache[K ~string, V any, I any] struct {
	cache     CacheManager[K, V]
	load      func(ctx context.Context, input I) (V, error)
	skipCache bool
}

func NewReadThroughCache[K ~string, V any, I any](
	cache CacheManager[K, V],
	load func(ctx context.Context, input I) (V, error),
	skipCache bool,
) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{
		cache:     cache,
		load:      load,
		skipCache: skipCache,
	}
}

// Get returns the cached value for key, or runs the loader and caches
// its result for ttl. Loader errors are never cached.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.skipCache {
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
