package sim

import (
	"slices"

	"arena-sync/internal/culling"
	"arena-sync/internal/entity"
	"arena-sync/internal/event"
	"arena-sync/internal/snapshot"
)

// Entity is one networked, client-owned body in the world.
type Entity struct {
	Net   entity.Network
	Pos   entity.Vec2
	Group int // relevancy group; only same-group entities replicate to each other

	// changed is set whenever Pos moved this tick and cleared after publish.
	changed bool

	Movement *snapshot.Buffer[event.Movement2D]
	Fire     *snapshot.Buffer[event.Fire]
	History  *snapshot.ComponentHistory[entity.Vec2]

	// Last observed DroppedUnconsumed counts, used to export deltas.
	seenMovementDrops uint64
	seenFireDrops     uint64
}

// World indexes entities by ID and by owning client.
type World struct {
	entities map[entity.ID]*Entity
	byOwner  map[entity.ClientID][]entity.ID
	nextID   entity.ID
}

func newWorld() *World {
	return &World{
		entities: make(map[entity.ID]*Entity),
		byOwner:  make(map[entity.ClientID][]entity.ID),
		nextID:   1,
	}
}

func (w *World) spawn(owner entity.ClientID, pos entity.Vec2, group int, cfg bufferSizes, clock snapshot.Clock) *Entity {
	id := w.nextID
	w.nextID++

	ent := &Entity{
		Net:      entity.Network{ID: id, Owner: owner},
		Pos:      pos,
		Group:    group,
		changed:  true,
		Movement: snapshot.NewBuffer[event.Movement2D](cfg.movement, clock),
		Fire:     snapshot.NewBuffer[event.Fire](cfg.fire, clock),
		History:  snapshot.NewComponentHistory[entity.Vec2](cfg.history),
	}
	w.entities[id] = ent
	w.byOwner[owner] = append(w.byOwner[owner], id)
	return ent
}

func (w *World) despawn(id entity.ID) (*Entity, bool) {
	ent, ok := w.entities[id]
	if !ok {
		return nil, false
	}
	delete(w.entities, id)

	owned := w.byOwner[ent.Net.Owner]
	owned = slices.DeleteFunc(owned, func(e entity.ID) bool { return e == id })
	if len(owned) == 0 {
		delete(w.byOwner, ent.Net.Owner)
	} else {
		w.byOwner[ent.Net.Owner] = owned
	}
	return ent, true
}

// Get returns the entity with id.
func (w *World) Get(id entity.ID) (*Entity, bool) {
	ent, ok := w.entities[id]
	return ent, ok
}

// Len returns the number of live entities.
func (w *World) Len() int { return len(w.entities) }

// Owned returns the entity IDs owned by client.
func (w *World) Owned(client entity.ClientID) []entity.ID {
	return w.byOwner[client]
}

// sorted returns entities in ascending ID order so passes are deterministic.
func (w *World) sorted() []*Entity {
	out := make([]*Entity, 0, len(w.entities))
	for _, ent := range w.entities {
		out = append(out, ent)
	}
	slices.SortFunc(out, func(a, b *Entity) int {
		switch {
		case a.Net.ID < b.Net.ID:
			return -1
		case a.Net.ID > b.Net.ID:
			return 1
		}
		return 0
	})
	return out
}

func (w *World) movementBuffers(client entity.ClientID) []*snapshot.Buffer[event.Movement2D] {
	ids := w.byOwner[client]
	out := make([]*snapshot.Buffer[event.Movement2D], 0, len(ids))
	for _, id := range ids {
		out = append(out, w.entities[id].Movement)
	}
	return out
}

func (w *World) fireBuffers(client entity.ClientID) []*snapshot.Buffer[event.Fire] {
	ids := w.byOwner[client]
	out := make([]*snapshot.Buffer[event.Fire], 0, len(ids))
	for _, id := range ids {
		out = append(out, w.entities[id].Fire)
	}
	return out
}

func (e *Entity) candidate() culling.Candidate {
	return culling.Candidate{ID: e.Net.ID, Pos: e.Pos, Changed: e.changed}
}

type bufferSizes struct {
	movement int
	fire     int
	history  int
}
