// Package culling decides, per viewer, which remote entities are worth
// replicating, based on a cached pairwise distance.
//
// The recompute pass and the evaluate pass share one DistanceCache and
// must run in that order within a tick; nothing here takes a lock.
package culling

import "arena-sync/internal/entity"

// DistanceAt is a distance together with the tick it was computed at.
type DistanceAt struct {
	Tick     uint32
	Distance float32
}

// pairKey is an unordered entity pair, larger ID first.
type pairKey struct {
	hi, lo entity.ID
}

func keyOf(a, b entity.ID) pairKey {
	if a >= b {
		return pairKey{a, b}
	}
	return pairKey{b, a}
}

// DistanceCache maps unordered entity pairs to their last computed
// distance. (a, b) and (b, a) address the same entry.
type DistanceCache struct {
	m       map[pairKey]DistanceAt
	changed bool
}

// NewDistanceCache returns an empty cache.
func NewDistanceCache() *DistanceCache {
	return &DistanceCache{m: make(map[pairKey]DistanceAt)}
}

// Insert stores d for the pair and returns the previous value, if any.
func (c *DistanceCache) Insert(a, b entity.ID, d DistanceAt) (DistanceAt, bool) {
	k := keyOf(a, b)
	prev, ok := c.m[k]
	c.m[k] = d
	c.changed = true
	return prev, ok
}

// Get returns the cached value for the pair.
func (c *DistanceCache) Get(a, b entity.ID) (DistanceAt, bool) {
	d, ok := c.m[keyOf(a, b)]
	return d, ok
}

// Remove deletes the pair and reports whether it existed.
func (c *DistanceCache) Remove(a, b entity.ID) bool {
	k := keyOf(a, b)
	if _, ok := c.m[k]; !ok {
		return false
	}
	delete(c.m, k)
	c.changed = true
	return true
}

// RemoveEntity purges every pair that includes e and returns how many
// entries were removed. Call it when e is despawned.
func (c *DistanceCache) RemoveEntity(e entity.ID) int {
	n := 0
	for k := range c.m {
		if k.hi == e || k.lo == e {
			delete(c.m, k)
			n++
		}
	}
	if n > 0 {
		c.changed = true
	}
	return n
}

// Len returns the number of cached pairs.
func (c *DistanceCache) Len() int { return len(c.m) }

// Changed reports whether the cache was written since the last
// ResetChanged.
func (c *DistanceCache) Changed() bool { return c.changed }

// ResetChanged clears the change flag. The scheduler calls it once the
// evaluate pass has run.
func (c *DistanceCache) ResetChanged() { c.changed = false }
