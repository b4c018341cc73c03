package datastore

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/particle-node/internal/domain"
)

// cacheEntry holds a cached value with an expiration time.
type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *cacheEntry[T]) expired() bool {
	return time.Now().After(e.expiresAt)
}

func cacheGet[T any](m *sync.Map, key domain.ActorKey) (T, bool) {
	v, ok := m.Load(key)
	if !ok {
		var zero T
		return zero, false
	}
	entry := v.(*cacheEntry[T])
	if entry.expired() {
		m.Delete(key)
		var zero T
		return zero, false
	}
	return entry.value, true
}

func cachePut[T any](m *sync.Map, key domain.ActorKey, value T, ttl time.Duration) {
	m.Store(key, &cacheEntry[T]{value: value, expiresAt: time.Now().Add(ttl)})
}

// DefaultCacheTTL is the default time-to-live for cache entries.
const DefaultCacheTTL = 2 * time.Second

// Cache wraps a Store with a read-through in-process TTL cache, bounding
// the inconsistency window for repeated hops on the same ActorKey within a
// short burst, since a particle that bounces through several local peers in
// quick succession otherwise round-trips Postgres on every hop.
type Cache struct {
	underlying *Store
	ttl        time.Duration
	entries    sync.Map // domain.ActorKey -> *cacheEntry[[]byte]
}

// NewCache wraps store with a read-through cache. ttl <= 0 uses the default.
func NewCache(store *Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{underlying: store, ttl: ttl}
}

// Load serves from cache when fresh, otherwise falls through to the
// underlying store and populates the cache on a hit.
func (c *Cache) Load(ctx context.Context, key domain.ActorKey) ([]byte, bool, error) {
	if data, ok := cacheGet[[]byte](&c.entries, key); ok {
		return data, true, nil
	}
	data, ok, err := c.underlying.Load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		cachePut(&c.entries, key, data, c.ttl)
	}
	return data, ok, nil
}

// Save writes through to the underlying store and refreshes the cache
// entry, so a write is visible to the next local Load without waiting for
// the TTL to lapse.
func (c *Cache) Save(ctx context.Context, key domain.ActorKey, data []byte) error {
	if err := c.underlying.Save(ctx, key, data); err != nil {
		return err
	}
	cachePut(&c.entries, key, data, c.ttl)
	return nil
}

// Invalidate drops key's cache entry, e.g. after retiring the owning actor.
func (c *Cache) Invalidate(key domain.ActorKey) {
	c.entries.Delete(key)
}
