package sim

import (
	"sync/atomic"
	"time"

	"arena-sync/internal/entity"
)

// EntityState is an immutable copy of one entity for transport.
// Value types only, so frames can be handed to other goroutines.
type EntityState struct {
	ID    entity.ID       `json:"id"`
	Owner entity.ClientID `json:"owner"`
	X     float32         `json:"x"`
	Y     float32         `json:"y"`
	Group int             `json:"group"`
}

// Frame is the per-client view published at the end of a tick: the
// entities currently visible to the client plus its own.
type Frame struct {
	Client   entity.ClientID
	Tick     uint32
	Entities []EntityState
}

// State is a complete immutable world view for the HTTP API.
type State struct {
	Sequence  uint64        `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
	Tick      uint32        `json:"tick"`
	Entities  []EntityState `json:"entities"`
	Clients   int           `json:"clients"`
}

// statePublisher hands the latest State to readers without taking the
// engine lock.
type statePublisher struct {
	latest   atomic.Pointer[State]
	sequence atomic.Uint64
}

func (p *statePublisher) publish(s *State) {
	s.Sequence = p.sequence.Add(1)
	s.Timestamp = time.Now()
	p.latest.Store(s)
}

// load returns the latest state, or an empty one before the first tick.
func (p *statePublisher) load() *State {
	if s := p.latest.Load(); s != nil {
		return s
	}
	return &State{Entities: []EntityState{}}
}

func stateOf(e *Entity) EntityState {
	return EntityState{ID: e.Net.ID, Owner: e.Net.Owner, X: e.Pos.X, Y: e.Pos.Y, Group: e.Group}
}
