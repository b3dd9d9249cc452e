package bookstore

import (
	"context"
	"time"
)

// Cache is the read-side cache used by the query boundary.
// Keys and tags are tenant-qualified, see CacheTag.
type Cache interface {
	TagInvalidator

	// GetOrCreate returns the cached value for key or stores and returns the
	// result of factory. Concurrent misses for the same key call factory once.
	// Entries expire after ttl and are removed when any of their tags is invalidated.
	GetOrCreate(ctx context.Context, key string, factory func(ctx context.Context) ([]byte, error), tags []string, ttl time.Duration) ([]byte, error)
}
