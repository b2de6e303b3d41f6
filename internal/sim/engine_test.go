package sim

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"arena-sync/internal/config"
	"arena-sync/internal/entity"
	"arena-sync/internal/event"
	"arena-sync/internal/snapshot"

	"github.com/google/uuid"
)

// newTestEngine returns an engine on a manual clock starting at t=1000.
func newTestEngine(t *testing.T, mutate func(*config.SyncConfig)) (*Engine, *float64) {
	t.Helper()

	cfg := config.DefaultSync()
	cfg.CullingThreshold = 10
	cfg.EventsPerSecond = 0
	cfg.RelevancyGroups = 1
	if mutate != nil {
		mutate(&cfg)
	}

	now := new(float64)
	*now = 1000
	e := NewEngine(EngineConfig{
		Sync:       cfg,
		MaxClients: 4,
		Clock:      snapshot.ClockFunc(func() float64 { return *now }),
		Seed:       1,
	})
	return e, now
}

func connect(t *testing.T, e *Engine) Welcome {
	t.Helper()
	w, err := e.Connect(uuid.New())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return w
}

func place(e *Engine, id entity.ID, x, y float32) {
	ent := e.world.entities[id]
	ent.Pos = entity.Vec2{X: x, Y: y}
	ent.changed = true
}

func frameIDs(f Frame) []entity.ID {
	ids := make([]entity.ID, 0, len(f.Entities))
	for _, s := range f.Entities {
		ids = append(ids, s.ID)
	}
	return ids
}

// TestConnectLimits verifies duplicate sessions and the client cap
func TestConnectLimits(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.maxClients = 2

	session := uuid.New()
	if _, err := e.Connect(session); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if _, err := e.Connect(session); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("Expected ErrDuplicateSession, got %v", err)
	}
	connect(t, e)
	if _, err := e.Connect(uuid.New()); !errors.Is(err, ErrServerFull) {
		t.Errorf("Expected ErrServerFull, got %v", err)
	}
}

// TestVisibilityEndToEnd drives two clients in and out of range
func TestVisibilityEndToEnd(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	var frames []Frame
	e.SetFrameHandler(func(f Frame) { frames = append(frames, f) })

	a := connect(t, e)
	b := connect(t, e)
	place(e, a.Entity, 0, 0)
	place(e, b.Entity, 5, 0)

	e.tick()
	if len(frames) != 2 {
		t.Fatalf("Expected one frame per client, got %d", len(frames))
	}
	if got := frameIDs(frames[0]); len(got) != 2 {
		t.Errorf("client A should see both entities, got %v", got)
	}
	vis, _ := e.Visibility(a.Client)
	if len(vis) != 1 || vis[0] != b.Entity {
		t.Errorf("Expected A to see %v, got %v", b.Entity, vis)
	}

	// Move B exactly onto the threshold: culled.
	frames = nil
	place(e, b.Entity, 10, 0)
	e.tick()
	if got := frameIDs(frames[0]); len(got) != 1 || got[0] != a.Entity {
		t.Errorf("client A should only see itself, got %v", got)
	}
	if got := frameIDs(frames[1]); len(got) != 1 || got[0] != b.Entity {
		t.Errorf("client B should only see itself, got %v", got)
	}

	stats := e.Stats()
	if stats.Transitions != 4 {
		t.Errorf("Expected 4 transitions (2 shows, 2 hides), got %d", stats.Transitions)
	}
	if e.State().Tick != 2 {
		t.Errorf("Expected published tick 2, got %d", e.State().Tick)
	}
}

// TestRecomputeSkipsQuietTicks verifies no distance work when nothing moved
func TestRecomputeSkipsQuietTicks(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	connect(t, e)
	connect(t, e)

	e.step(0.1)
	first := e.Stats().DistancesComputed
	if first != 1 {
		t.Fatalf("Expected 1 distance on the first tick, got %d", first)
	}

	e.step(0.1)
	if got := e.Stats().DistancesComputed; got != first {
		t.Errorf("Expected no recomputation on a quiet tick, got %d", got-first)
	}
}

// TestDisconnectCleansUp verifies entity, cache and visibility purge
func TestDisconnectCleansUp(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	a := connect(t, e)
	b := connect(t, e)
	place(e, a.Entity, 0, 0)
	place(e, b.Entity, 1, 0)
	e.step(0.1)

	e.Disconnect(b.Client)

	if e.world.Len() != 1 {
		t.Errorf("Expected 1 entity left, got %d", e.world.Len())
	}
	if e.cache.Len() != 0 {
		t.Errorf("Expected no cached pairs, got %d", e.cache.Len())
	}
	if vis, _ := e.Visibility(a.Client); len(vis) != 0 {
		t.Errorf("A should no longer see %v", vis)
	}
	if _, ok := e.Visibility(b.Client); ok {
		t.Error("B should have no visibility set")
	}

	// Disconnecting twice is harmless.
	e.Disconnect(b.Client)
}

// TestDisconnectWithoutCleanUp keeps the entity as a pure subject
func TestDisconnectWithoutCleanUp(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.SyncConfig) { c.CleanUpOnDisconnect = false })
	a := connect(t, e)
	b := connect(t, e)
	place(e, a.Entity, 0, 0)
	place(e, b.Entity, 1, 0)
	e.step(0.1)

	e.Disconnect(b.Client)
	place(e, b.Entity, 2, 0)
	e.step(0.1)

	if e.world.Len() != 2 {
		t.Errorf("Expected orphan entity to remain, got %d entities", e.world.Len())
	}
	if vis, _ := e.Visibility(a.Client); len(vis) != 1 || vis[0] != b.Entity {
		t.Errorf("A should still see the orphan, got %v", vis)
	}
}

// TestMovementIntegration checks the axis convention and frontier consumption
func TestMovementIntegration(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.SyncConfig) { c.BaseSpeed = 100 })
	a := connect(t, e)
	place(e, a.Entity, 100, 100)

	e.Enqueue(Inbound{Client: a.Client, Event: event.Movement2D{Seq: 1, Time: 500, AxisX: 1}})
	e.step(0.5)
	if pos := e.world.entities[a.Entity].Pos; pos.X != 150 || pos.Y != 100 {
		t.Errorf("Expected (150, 100), got %+v", pos)
	}

	// Positive Y on the wire moves down the plane.
	e.Enqueue(Inbound{Client: a.Client, Event: event.Movement2D{Seq: 2, Time: 501, AxisY: 1}})
	e.step(0.5)
	if pos := e.world.entities[a.Entity].Pos; pos.X != 150 || pos.Y != 50 {
		t.Errorf("Expected (150, 50), got %+v", pos)
	}

	// Already consumed: rejected at ingestion, position untouched.
	e.Enqueue(Inbound{Client: a.Client, Event: event.Movement2D{Seq: 1, Time: 600, AxisX: 1}})
	e.step(0.5)
	if pos := e.world.entities[a.Entity].Pos; pos.X != 150 {
		t.Errorf("replayed movement should be ignored, got %+v", pos)
	}
	if got := e.Stats().Rejected["behind_frontier"]; got != 1 {
		t.Errorf("Expected 1 behind_frontier rejection, got %d", got)
	}
}

// TestEnqueueFull verifies the bounded inbound queue
func TestEnqueueFull(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.SyncConfig) { c.InboundQueueSize = 1 })

	if !e.Enqueue(Inbound{Event: event.Fire{Seq: 1, Time: 1}}) {
		t.Fatal("first enqueue should succeed")
	}
	if e.Enqueue(Inbound{Event: event.Fire{Seq: 2, Time: 2}}) {
		t.Error("second enqueue should be dropped")
	}
	if got := e.Stats().InboundDropped; got != 1 {
		t.Errorf("Expected 1 dropped, got %d", got)
	}
}

// TestFireLookupRelaxed verifies failed lookups are skipped and counted
func TestFireLookupRelaxed(t *testing.T) {
	e, now := newTestEngine(t, nil)
	a := connect(t, e) // position recorded at t=1000
	*now = 2000

	e.Enqueue(Inbound{Client: a.Client, Event: event.Fire{Seq: 1, Time: 500}})
	e.Enqueue(Inbound{Client: a.Client, Event: event.Fire{Seq: 2, Time: 1500}})
	e.step(0.1)

	stats := e.Stats()
	if stats.LookupFailures != 1 {
		t.Errorf("Expected 1 lookup failure, got %d", stats.LookupFailures)
	}
	if stats.FiresResolved != 1 {
		t.Errorf("Expected 1 resolution, got %d", stats.FiresResolved)
	}
}

// TestFireLookupStrict verifies strict mode treats a failed lookup as fatal
func TestFireLookupStrict(t *testing.T) {
	e, now := newTestEngine(t, func(c *config.SyncConfig) { c.StrictMode = true })
	a := connect(t, e)
	*now = 2000

	e.Enqueue(Inbound{Client: a.Client, Event: event.Fire{Seq: 1, Time: 500}})

	defer func() {
		if recover() == nil {
			t.Error("Expected panic in strict mode")
		}
	}()
	e.step(0.1)
}

// TestFireSeesPreMovementHistory verifies pass order: fire resolves
// before this tick's movement is recorded into history.
func TestFireSeesPreMovementHistory(t *testing.T) {
	e, now := newTestEngine(t, nil)
	a := connect(t, e)
	spawn := e.world.entities[a.Entity].Pos
	*now = 2000

	path := filepath.Join(t.TempDir(), "journal.jsonl")
	if err := e.StartJournal(path); err != nil {
		t.Fatalf("StartJournal: %v", err)
	}

	e.Enqueue(Inbound{Client: a.Client, Event: event.Movement2D{Seq: 1, Time: 1500, AxisX: 1}})
	e.Enqueue(Inbound{Client: a.Client, Event: event.Fire{Seq: 1, Time: 1600}})
	e.step(0.5)
	e.StopJournal()

	ent := e.world.entities[a.Entity]
	if ent.Pos == spawn {
		t.Fatal("entity should have moved")
	}
	if ent.History.Len() != 2 {
		t.Errorf("Expected spawn + moved positions in history, got %d", ent.History.Len())
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	found := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line struct {
			Type    string      `json:"type"`
			Payload FirePayload `json:"payload"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad journal line %q: %v", sc.Text(), err)
		}
		if line.Type != "fire" {
			continue
		}
		found = true
		if line.Payload.X != spawn.X || line.Payload.Y != spawn.Y {
			t.Errorf("Expected fire to resolve at spawn %+v, got (%v, %v)", spawn, line.Payload.X, line.Payload.Y)
		}
	}
	if !found {
		t.Error("Expected a fire record in the journal")
	}
}

// TestRelevancyGroups verifies entities in different groups never
// replicate to each other, however close they are
func TestRelevancyGroups(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.SyncConfig) { c.RelevancyGroups = 2 })

	var frames []Frame
	e.SetFrameHandler(func(f Frame) { frames = append(frames, f) })

	a := connect(t, e)
	b := connect(t, e)
	e.world.entities[a.Entity].Group = 0
	e.world.entities[b.Entity].Group = 1
	place(e, a.Entity, 0, 0)
	place(e, b.Entity, 1, 0)

	e.tick()
	for i, f := range frames {
		if got := frameIDs(f); len(got) != 1 {
			t.Errorf("frame %d: cross-group entity replicated, got %v", i, got)
		}
	}
	if vis, _ := e.Visibility(a.Client); len(vis) != 0 {
		t.Errorf("Expected A to see nothing across groups, got %v", vis)
	}

	// Same group: distance culling decides.
	frames = nil
	e.world.entities[b.Entity].Group = 0
	place(e, b.Entity, 2, 0)
	e.tick()
	if got := frameIDs(frames[0]); len(got) != 2 {
		t.Errorf("Expected A to see B in the same group, got %v", got)
	}

	// Leaving the group hides an already visible entity.
	frames = nil
	e.world.entities[b.Entity].Group = 1
	place(e, b.Entity, 3, 0)
	e.tick()
	if got := frameIDs(frames[0]); len(got) != 1 || got[0] != a.Entity {
		t.Errorf("Expected A to lose B after a group change, got %v", got)
	}
}

// TestConnectAssignsGroup verifies spawn groups stay within range
func TestConnectAssignsGroup(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.SyncConfig) { c.RelevancyGroups = 2 })

	for i := 0; i < 4; i++ {
		w := connect(t, e)
		if w.Group < 0 || w.Group > 1 {
			t.Errorf("Expected group 0 or 1, got %d", w.Group)
		}
		if got := e.world.entities[w.Entity].Group; got != w.Group {
			t.Errorf("welcome group %d differs from entity group %d", w.Group, got)
		}
	}
}

// TestEngineRestart verifies the tick loop can be started again after Stop
func TestEngineRestart(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	waitTick := func(after uint32) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for e.Tick() <= after {
			if time.Now().After(deadline) {
				t.Fatalf("Expected the tick to pass %d, stuck at %d", after, e.Tick())
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	e.Start()
	waitTick(0)
	e.Stop()
	if e.Running() {
		t.Fatal("engine should report stopped")
	}

	stopped := e.Tick()
	time.Sleep(100 * time.Millisecond)
	if e.Tick() != stopped {
		t.Errorf("Expected no ticks while stopped, got %d after %d", e.Tick(), stopped)
	}

	e.Start()
	defer e.Stop()
	waitTick(stopped)
	if !e.Running() {
		t.Error("engine should report running after restart")
	}
}
