// Package lrucache provides an in-process Cache backed by a size-bounded LRU.
package lrucache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/aalmada/BookStore-sub002"
)

const defaultSize = 10000

var _ bookstore.Cache = (*Cache)(nil)

type entry struct {
	value     []byte
	tags      []string
	expiresAt time.Time
}

// Cache is a tag-aware LRU cache.
type Cache struct {
	mu    sync.Mutex
	items *lru.Cache[string, entry]
	tags  map[string]map[string]struct{}
	// epochs counts invalidations per tag. A load that started before an
	// invalidation of one of its tags must not be stored.
	epochs map[string]uint64
	group  singleflight.Group
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache holding at most size entries.
func New(size int, opts ...Option) *Cache {
	if size <= 0 {
		size = defaultSize
	}
	c := &Cache{
		tags:   make(map[string]map[string]struct{}),
		epochs: make(map[string]uint64),
		now:    time.Now,
	}
	// lru.NewWithEvict only errors on non-positive size which we guard above.
	c.items, _ = lru.NewWithEvict[string, entry](size, c.onEvict)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// onEvict runs with c.mu held, from Add, Remove or Purge.
func (c *Cache) onEvict(key string, e entry) {
	for _, tag := range e.tags {
		keys := c.tags[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.tags, tag)
		}
	}
}

func (c *Cache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) snapshot(tags []string) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make([]uint64, len(tags))
	for i, tag := range tags {
		seen[i] = c.epochs[tag]
	}
	return seen
}

// set stores value unless one of its tags was invalidated after seen was
// taken. It reports whether the entry was stored.
func (c *Cache) set(key string, value []byte, tags []string, seen []uint64, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, tag := range tags {
		if c.epochs[tag] != seen[i] {
			return false
		}
	}
	e := entry{value: value, tags: tags}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.items.Remove(key)
	c.items.Add(key, e)
	for _, tag := range tags {
		keys, ok := c.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return true
}

// GetOrCreate implements bookstore.Cache.
func (c *Cache) GetOrCreate(ctx context.Context, key string, factory func(ctx context.Context) ([]byte, error), tags []string, ttl time.Duration) ([]byte, error) {
	if value, ok := c.get(key); ok {
		return value, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if value, ok := c.get(key); ok {
			return value, nil
		}
		seen := c.snapshot(tags)
		value, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		// A stale load is still returned to this caller, it just isn't kept.
		c.set(key, value, tags, seen, ttl)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// InvalidateByTag implements bookstore.TagInvalidator.
func (c *Cache) InvalidateByTag(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.tags[tag]))
	for key := range c.tags[tag] {
		keys = append(keys, key)
	}
	for _, key := range keys {
		c.items.Remove(key)
	}
	delete(c.tags, tag)
	c.epochs[tag]++
	return nil
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}
