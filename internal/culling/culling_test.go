package culling

import (
	"testing"

	"arena-sync/internal/entity"
)

// TestDistanceCacheSymmetry verifies (A,B) and (B,A) share one entry
func TestDistanceCacheSymmetry(t *testing.T) {
	c := NewDistanceCache()
	a, b := entity.ID(3), entity.ID(9)

	if _, had := c.Insert(a, b, DistanceAt{Tick: 1, Distance: 4.5}); had {
		t.Error("first insert should not report a previous value")
	}
	d, ok := c.Get(b, a)
	if !ok || d.Distance != 4.5 || d.Tick != 1 {
		t.Fatalf("Get(b, a) = %+v, %v; want 4.5 at tick 1", d, ok)
	}

	prev, had := c.Insert(b, a, DistanceAt{Tick: 2, Distance: 1})
	if !had || prev.Distance != 4.5 {
		t.Errorf("Expected previous 4.5, got %+v (%v)", prev, had)
	}
	if c.Len() != 1 {
		t.Errorf("Expected one entry, got %d", c.Len())
	}
}

// TestDistanceCacheRemove covers pair and per-entity removal
func TestDistanceCacheRemove(t *testing.T) {
	c := NewDistanceCache()
	c.Insert(1, 2, DistanceAt{Distance: 1})
	c.Insert(1, 3, DistanceAt{Distance: 2})
	c.Insert(2, 3, DistanceAt{Distance: 3})
	c.ResetChanged()

	if !c.Remove(2, 1) {
		t.Error("Remove(2, 1) should find the (1, 2) entry")
	}
	if c.Remove(2, 1) {
		t.Error("second Remove should report absence")
	}
	if !c.Changed() {
		t.Error("Remove should mark the cache changed")
	}

	c.ResetChanged()
	if n := c.RemoveEntity(3); n != 2 {
		t.Errorf("Expected 2 pairs removed for entity 3, got %d", n)
	}
	if c.Len() != 0 {
		t.Errorf("Expected empty cache, got %d", c.Len())
	}
	if !c.Changed() {
		t.Error("RemoveEntity should mark the cache changed")
	}

	c.ResetChanged()
	if n := c.RemoveEntity(42); n != 0 || c.Changed() {
		t.Errorf("removing unknown entity: n=%d changed=%v", n, c.Changed())
	}
}

// TestRecomputeOncePerTick verifies at-most-once computation per pair per tick
func TestRecomputeOncePerTick(t *testing.T) {
	c := NewDistanceCache()
	calls := 0
	metric := func(a, b entity.Vec2) float32 {
		calls++
		return Euclidean(a, b)
	}

	viewer := Candidate{ID: 1, Pos: entity.Vec2{X: 0, Y: 0}}
	subject := Candidate{ID: 2, Pos: entity.Vec2{X: 3, Y: 4}, Changed: true}

	n := Recompute(7, []Candidate{viewer}, []Candidate{viewer, subject}, c, metric)
	if n != 1 || calls != 1 {
		t.Fatalf("Expected 1 computation, got n=%d calls=%d", n, calls)
	}
	d, _ := c.Get(1, 2)
	if d.Distance != 5 || d.Tick != 7 {
		t.Errorf("Expected 5 at tick 7, got %+v", d)
	}

	// Same tick again: cached tick equals current tick, so nothing runs.
	n = Recompute(7, []Candidate{viewer}, []Candidate{viewer, subject}, c, metric)
	if n != 0 || calls != 1 {
		t.Errorf("Expected no recomputation, got n=%d calls=%d", n, calls)
	}
	d, _ = c.Get(2, 1)
	if d.Tick != 7 {
		t.Errorf("Expected cached tick to stay 7, got %d", d.Tick)
	}
}

// TestRecomputeSkipsUnchangedAndSelf checks filtering rules
func TestRecomputeSkipsUnchangedAndSelf(t *testing.T) {
	c := NewDistanceCache()
	a := Candidate{ID: 1, Changed: true}
	b := Candidate{ID: 2, Pos: entity.Vec2{X: 1}}

	if n := Recompute(1, []Candidate{b}, []Candidate{b}, c, nil); n != 0 {
		t.Errorf("unchanged candidates should not recompute, got %d", n)
	}
	if c.Changed() {
		t.Error("cache should be untouched")
	}

	// Two viewers that both moved see each other once each way, which
	// canonicalizes to a single computation.
	b.Changed = true
	n := Recompute(1, []Candidate{a, b}, []Candidate{a, b}, c, nil)
	if n != 1 {
		t.Errorf("Expected one computation for the shared pair, got %d", n)
	}
	if _, ok := c.Get(1, 1); ok {
		t.Error("self pair should never be cached")
	}
}

func newClients(ids ...entity.ClientID) ClientMap {
	m := make(ClientMap)
	for _, id := range ids {
		m[id] = NewClientVisibility()
	}
	return m
}

// TestEvaluatorThreshold checks the inclusive cull boundary
func TestEvaluatorThreshold(t *testing.T) {
	tests := []struct {
		name     string
		distance float32
		visible  bool
	}{
		{"just inside", 9.9, true},
		{"exactly at threshold", 10.0, false},
		{"far away", 250, false},
		{"on top", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewDistanceCache()
			clients := newClients(100)
			viewer := entity.Network{ID: 1, Owner: 100}

			// Start from the opposite state so a transition is required.
			clients[100].SetVisibility(2, !tt.visible)
			cache.Insert(1, 2, DistanceAt{Tick: 1, Distance: tt.distance})

			ev := Evaluator{Threshold: 10}
			res := ev.Evaluate([]entity.Network{viewer}, []entity.ID{1, 2}, cache, clients)

			if got := clients[100].IsVisible(2); got != tt.visible {
				t.Errorf("Expected visible=%v, got %v", tt.visible, got)
			}
			if len(res.Transitions) != 1 {
				t.Errorf("Expected one transition, got %d", len(res.Transitions))
			}
		})
	}
}

// TestEvaluatorSkipsWhenUnchanged verifies the dirty gate
func TestEvaluatorSkipsWhenUnchanged(t *testing.T) {
	cache := NewDistanceCache()
	clients := newClients(100)
	cache.Insert(1, 2, DistanceAt{Distance: 1})
	cache.ResetChanged()

	res := Evaluator{Threshold: 10}.Evaluate(
		[]entity.Network{{ID: 1, Owner: 100}}, []entity.ID{2}, cache, clients)
	if res.Ran {
		t.Error("Evaluate should not run on an unchanged cache")
	}
	if clients[100].IsVisible(2) {
		t.Error("visibility should be untouched")
	}
}

// TestEvaluatorMissingData covers missing distances and missing clients
func TestEvaluatorMissingData(t *testing.T) {
	cache := NewDistanceCache()
	clients := newClients(100)
	cache.Insert(1, 2, DistanceAt{Distance: 1})

	viewers := []entity.Network{
		{ID: 1, Owner: 100},
		{ID: 5, Owner: 999}, // no visibility mapping
	}
	res := Evaluator{Threshold: 10}.Evaluate(viewers, []entity.ID{1, 2, 3}, cache, clients)

	if res.MissingClients != 1 {
		t.Errorf("Expected 1 missing client, got %d", res.MissingClients)
	}
	if res.MissingDistance != 1 {
		t.Errorf("Expected 1 missing distance (1:3), got %d", res.MissingDistance)
	}
	if clients[100].IsVisible(3) {
		t.Error("unknown distance must not change visibility")
	}
	if !clients[100].IsVisible(2) {
		t.Error("entity 2 should have become visible")
	}
}

// TestEvaluatorHysteresis verifies the optional band
func TestEvaluatorHysteresis(t *testing.T) {
	cache := NewDistanceCache()
	clients := newClients(100)
	viewer := []entity.Network{{ID: 1, Owner: 100}}
	ev := Evaluator{Threshold: 10, Hysteresis: 1}

	step := func(d float32) bool {
		cache.Insert(1, 2, DistanceAt{Distance: d})
		ev.Evaluate(viewer, []entity.ID{2}, cache, clients)
		cache.ResetChanged()
		return clients[100].IsVisible(2)
	}

	if step(9.5) {
		t.Error("9.5 is inside the band; hidden entity should stay hidden")
	}
	if !step(8.9) {
		t.Error("8.9 is below the band; entity should show")
	}
	if !step(10.5) {
		t.Error("10.5 is inside the band; visible entity should stay visible")
	}
	if step(11) {
		t.Error("11 is at the upper edge; entity should hide")
	}
}

// TestEvaluatorRelevant checks irrelevant subjects stay hidden at any distance
func TestEvaluatorRelevant(t *testing.T) {
	cache := NewDistanceCache()
	clients := newClients(100)
	viewer := []entity.Network{{ID: 1, Owner: 100}}
	relevant := false
	ev := Evaluator{Threshold: 10, Relevant: func(_, _ entity.ID) bool { return relevant }}

	cache.Insert(1, 2, DistanceAt{Distance: 1})
	res := ev.Evaluate(viewer, []entity.ID{2}, cache, clients)
	if clients[100].IsVisible(2) || len(res.Transitions) != 0 {
		t.Fatalf("irrelevant subject became visible: %+v", res)
	}

	relevant = true
	res = ev.Evaluate(viewer, []entity.ID{2}, cache, clients)
	if !clients[100].IsVisible(2) {
		t.Fatal("relevant subject within threshold should show")
	}

	relevant = false
	res = ev.Evaluate(viewer, []entity.ID{2}, cache, clients)
	if clients[100].IsVisible(2) {
		t.Error("subject should hide once it stops being relevant")
	}
	if len(res.Transitions) != 1 || res.Transitions[0].Visible {
		t.Errorf("Expected one hide transition, got %+v", res.Transitions)
	}
}

func TestClientVisibilityVisibleSorted(t *testing.T) {
	v := NewClientVisibility()
	v.SetVisibility(9, true)
	v.SetVisibility(2, true)
	v.SetVisibility(5, true)
	v.SetVisibility(5, false)
	v.Forget(42)

	got := v.Visible()
	if len(got) != 2 || got[0] != 2 || got[1] != 9 {
		t.Errorf("Expected [e2 e9], got %v", got)
	}
}
