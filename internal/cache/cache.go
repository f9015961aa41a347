package cache

import (
	"context"
)

// TokenCache stores credentials by key. T is the credential type.
type TokenCache[T any] interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores value under key, replacing any previous entry.
	Set(ctx context.Context, key string, value T) error

	// Invalidate drops the entry for key, if any.
	Invalidate(ctx context.Context, key string) error

	// Close releases any resources held by the cache.
	Close() error
}
