// Package lookup resolves dispatched type and method names to callables.
//
// Resolution goes through bounded LRU caches. A miss takes a per-key lock and
// checks the cache again before resolving, so concurrent misses on one key
// resolve once. Failures are never cached.
package lookup

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/im7mortal/kmutex"
	"github.com/juju/errors"
)

// Cache is a bounded, concurrency safe K to V cache with single-flight resolution.
type Cache[K comparable, V any] struct {
	entries     *lru.Cache
	locks       *kmutex.Kmutex
	resolutions atomic.Int64
}

// NewCache returns a cache holding at most size entries.
func NewCache[K comparable, V any](size int) (*Cache[K, V], error) {
	entries, err := lru.New(size)
	if err != nil {
		return nil, errors.Annotatef(err, "creating cache of size %d", size)
	}
	return &Cache[K, V]{entries: entries, locks: kmutex.New()}, nil
}

// Get returns the cached value for key.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	if v, ok := c.entries.Get(key); ok {
		return v.(V), true
	}
	var zero V
	return zero, false
}

// Resolve returns the cached value for key, calling resolve on a miss.
// A successful result is cached; an error is returned as is and not remembered.
func (c *Cache[K, V]) Resolve(key K, resolve func(K) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	c.locks.Lock(key)
	defer c.locks.Unlock(key)
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	c.resolutions.Add(1)
	v, err := resolve(key)
	if err != nil {
		var zero V
		return zero, err
	}
	c.entries.Add(key, v)
	return v, nil
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	return c.entries.Len()
}

// Resolutions counts calls made to resolve functions, hits excluded.
func (c *Cache[K, V]) Resolutions() int64 {
	return c.resolutions.Load()
}
