package directory

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dreamware/silomesh/internal/wire"
)

// cacheEntry is what the Cache stores per grain identity: the last
// known activation list and the etag it was observed at.
type cacheEntry struct {
	activations []wire.ActivationAddress
	etag        uint64
}

// Cache is the bounded, read-through cache every silo keeps of remote
// directory entries (spec.md §3 "Directory cache... Bounded LRU").
// Backed by hashicorp/golang-lru/v2, grounded in the same library the
// retrieved maxbibeau-go-quai worker file and several pack manifests
// already use for bounded in-memory caching.
type Cache struct {
	lru *lru.Cache[wire.GrainIdentity, cacheEntry]
}

// NewCache creates a cache holding at most size entries; the least
// recently used entry is evicted once capacity is exceeded.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = 4096
	}
	l, err := lru.New[wire.GrainIdentity, cacheEntry](size)
	if err != nil {
		// Only non-positive sizes make golang-lru's constructor fail, and
		// that case is normalized above, so this is unreachable.
		panic(err)
	}
	return &Cache{lru: l}
}

// Get returns the cached activation list and etag for grain, if
// present. A cache miss is not an error (spec.md §3).
func (c *Cache) Get(grain wire.GrainIdentity) ([]wire.ActivationAddress, uint64, bool) {
	entry, ok := c.lru.Get(grain)
	if !ok {
		return nil, 0, false
	}
	return append([]wire.ActivationAddress(nil), entry.activations...), entry.etag, true
}

// Put inserts or overwrites the cached entry for grain, per "on every
// successful remote Register/Lookup, insert the result with its etag"
// (spec.md §4.3).
func (c *Cache) Put(grain wire.GrainIdentity, activations []wire.ActivationAddress, etag uint64) {
	c.lru.Add(grain, cacheEntry{
		activations: append([]wire.ActivationAddress(nil), activations...),
		etag:        etag,
	})
}

// InvalidateIfEtag removes grain's cache entry only if its stored etag
// matches etag, or unconditionally if etag is zero (the "etag is
// missing" case in spec.md §4.3 point 3). Returns whether an entry was
// removed.
func (c *Cache) InvalidateIfEtag(grain wire.GrainIdentity, etag uint64) bool {
	entry, ok := c.lru.Peek(grain)
	if !ok {
		return false
	}
	if etag != 0 && entry.etag != etag {
		return false
	}
	c.lru.Remove(grain)
	return true
}

// Invalidate unconditionally removes grain's cache entry.
func (c *Cache) Invalidate(grain wire.GrainIdentity) {
	c.lru.Remove(grain)
}

// Sweep removes every cache entry for which keep returns false, used
// to scrub entries pointing at a silo (or its predecessors) that just
// joined or departed (spec.md §4.3 "Cache maintenance").
func (c *Cache) Sweep(keep func(grain wire.GrainIdentity, activations []wire.ActivationAddress) bool) {
	for _, grain := range c.lru.Keys() {
		entry, ok := c.lru.Peek(grain)
		if !ok {
			continue
		}
		if !keep(grain, entry.activations) {
			c.lru.Remove(grain)
		}
	}
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}
