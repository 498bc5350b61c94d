// Package rcache implements the fork-on-write verb/property/ancestry
// resolution caches consulted by the hot path of verb and property lookup
// (spec §4.4).
package rcache

// slot holds a cached result: either a positive hit, a negative (miss)
// cache entry, or nothing cached at all (the zero slot is never stored —
// absence from the map means "cold").
type slot[V any] struct {
	val V
	neg bool
}

// Lookup is the three-way result of consulting a cache entry.
type Lookup[V any] struct {
	Hit    bool // true if val is meaningful
	Negative bool // true if this is a cached miss
	Cold   bool // true if nothing is cached yet; caller must resolve and fill
	Val    V
}

// wcache is a generic fork-on-write map cache: a shared, read-only base plus
// a private overlay of writes made since the fork. Reads check the overlay
// first, then the base. A flush drops both the overlay and marks the cache
// as having seen a broad invalidation, without needing to touch the
// (possibly large, shared) base map.
type wcache[K comparable, V any] struct {
	base    map[K]slot[V]
	overlay map[K]slot[V]
	flushed bool
	dirty   bool
}

func newCache[K comparable, V any]() *wcache[K, V] {
	return &wcache[K, V]{base: make(map[K]slot[V])}
}

func (c *wcache[K, V]) lookup(k K) Lookup[V] {
	if s, ok := c.overlay[k]; ok {
		return toLookup(s)
	}
	if !c.flushed {
		if s, ok := c.base[k]; ok {
			return toLookup(s)
		}
	}
	return Lookup[V]{Cold: true}
}

func toLookup[V any](s slot[V]) Lookup[V] {
	if s.neg {
		return Lookup[V]{Negative: true}
	}
	return Lookup[V]{Hit: true, Val: s.val}
}

func (c *wcache[K, V]) fillHit(k K, v V) {
	c.ensureOverlay()
	c.overlay[k] = slot[V]{val: v}
	c.dirty = true
}

func (c *wcache[K, V]) fillMiss(k K) {
	c.ensureOverlay()
	c.overlay[k] = slot[V]{neg: true}
	c.dirty = true
}

func (c *wcache[K, V]) ensureOverlay() {
	if c.overlay == nil {
		c.overlay = make(map[K]slot[V])
	}
}

// fork returns a new cache sharing this cache's base+overlay (merged as the
// new fork's base, so the fork starts from a consistent read-only view) and
// an empty overlay of its own. The original is untouched by the fork's
// subsequent writes (spec §4.4 "writes to the fork do not touch the
// original").
func (c *wcache[K, V]) fork() *wcache[K, V] {
	merged := make(map[K]slot[V], len(c.base)+len(c.overlay))
	if !c.flushed {
		for k, v := range c.base {
			merged[k] = v
		}
	}
	for k, v := range c.overlay {
		merged[k] = v
	}
	return &wcache[K, V]{base: merged}
}

// flush wipes the cache after an operation known to invalidate it broadly
// (spec §4.4).
func (c *wcache[K, V]) flush() {
	c.flushed = true
	c.overlay = nil
	c.dirty = true
}

// hasChanged reports whether this cache's fork differs from where it
// started — used to decide whether a read-only commit still needs to
// republish caches (spec §4.4, scenario S3).
func (c *wcache[K, V]) hasChanged() bool { return c.dirty }

// evict drops k from both layers, used by bounded caches (e.g. ancestry)
// that cap memory by forgetting their coldest entries rather than growing
// without limit.
func (c *wcache[K, V]) evict(k K) {
	delete(c.overlay, k)
	delete(c.base, k)
}
