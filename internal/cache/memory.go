package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
)

// Memory is an in-memory cache implementation using otter. Entries are
// evicted ttl after they were last written, so a refreshed credential gets a
// full lifetime in the cache. Hit and miss counts are recorded by the
// Instrumented decorator.
type Memory[T any] struct {
	cache *otter.Cache[string, T]
}

// NewMemory creates a new in-memory cache with the specified TTL and max size.
func NewMemory[T any](ttl time.Duration, maxSize int) (*Memory[T], error) {
	cache, err := otter.New(&otter.Options[string, T]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, T](ttl),
	})
	if err != nil {
		return nil, err
	}

	return &Memory[T]{
		cache: cache,
	}, nil
}

func (m *Memory[T]) Get(ctx context.Context, key string) (T, bool, error) {
	value, ok := m.cache.GetIfPresent(key)
	return value, ok, nil
}

func (m *Memory[T]) Set(ctx context.Context, key string, value T) error {
	m.cache.Set(key, value)
	return nil
}

func (m *Memory[T]) Invalidate(ctx context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

// Close drops all entries. Closing twice is harmless.
func (m *Memory[T]) Close() error {
	m.cache.InvalidateAll()
	return nil
}
