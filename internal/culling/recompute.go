package culling

import "arena-sync/internal/entity"

// Candidate is an entity's position as seen by one tick's passes.
// Changed is set by the caller when the position was written or first
// added during the current tick; this package does no change detection
// of its own.
type Candidate struct {
	ID      entity.ID
	Pos     entity.Vec2
	Changed bool
}

// Metric computes the distance between two positions.
type Metric func(a, b entity.Vec2) float32

// Euclidean is the default Metric.
func Euclidean(a, b entity.Vec2) float32 {
	return a.Distance(b)
}

// Recompute refreshes cached distances between every viewer and every
// distance-relevant candidate whose position changed this tick.
//
// Self pairs are skipped, and so are pairs already computed at tick, so
// a pair is computed at most once per tick even when it is reachable
// from both sides. Returns the number of distances computed.
func Recompute(tick uint32, viewers, relevant []Candidate, cache *DistanceCache, metric Metric) int {
	if metric == nil {
		metric = Euclidean
	}

	anyChanged := false
	for _, c := range relevant {
		if c.Changed {
			anyChanged = true
			break
		}
	}
	if !anyChanged {
		return 0
	}

	computed := 0
	for _, v := range viewers {
		for _, c := range relevant {
			if !c.Changed || c.ID == v.ID {
				continue
			}
			if d, ok := cache.Get(v.ID, c.ID); ok && d.Tick == tick {
				continue
			}
			cache.Insert(v.ID, c.ID, DistanceAt{Tick: tick, Distance: metric(v.Pos, c.Pos)})
			computed++
		}
	}
	return computed
}
