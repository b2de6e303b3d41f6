package snapshot

import "fmt"

// ComponentSnapshot is one recorded value of a component.
type ComponentSnapshot[C any] struct {
	value     C
	tick      uint32
	timestamp float64
}

func (s ComponentSnapshot[C]) Value() C           { return s.value }
func (s ComponentSnapshot[C]) Tick() uint32       { return s.tick }
func (s ComponentSnapshot[C]) Timestamp() float64 { return s.timestamp }

// ComponentHistory is a bounded, time-ordered record of a component's
// values, used to answer "where was this entity at time t".
type ComponentHistory[C any] struct {
	deq ring[ComponentSnapshot[C]]
}

// NewComponentHistory creates a history holding at most maxSize values.
func NewComponentHistory[C any](maxSize int) *ComponentHistory[C] {
	if maxSize < 0 {
		maxSize = 0
	}
	return &ComponentHistory[C]{deq: newRing[ComponentSnapshot[C]](maxSize)}
}

// Len returns the number of stored values.
func (h *ComponentHistory[C]) Len() int { return h.deq.len() }

// Latest returns the newest value.
func (h *ComponentHistory[C]) Latest() (ComponentSnapshot[C], bool) {
	return h.deq.back()
}

// Insert records value at tick/timestamp. Ticks must not decrease and
// timestamps must strictly increase.
func (h *ComponentHistory[C]) Insert(value C, tick uint32, timestamp float64) error {
	if h.deq.cap() == 0 {
		return ErrCapacity
	}
	if latest, ok := h.deq.back(); ok {
		if tick < latest.tick {
			return fmt.Errorf("%w: tick %d, latest %d", ErrStaleTick, tick, latest.tick)
		}
		if timestamp <= latest.timestamp {
			return fmt.Errorf("%w: timestamp %v, latest %v", ErrStaleTimestamp, timestamp, latest.timestamp)
		}
	}
	h.deq.push(ComponentSnapshot[C]{value: value, tick: tick, timestamp: timestamp})
	return nil
}

// AtOrBefore returns the newest value recorded at or before ts.
// It fails with ErrSnapshotLookup when every stored value is newer than
// ts or the history is empty.
func (h *ComponentHistory[C]) AtOrBefore(ts float64) (ComponentSnapshot[C], error) {
	for i := h.deq.len() - 1; i >= 0; i-- {
		if s := h.deq.at(i); s.timestamp <= ts {
			return s, nil
		}
	}
	var zero ComponentSnapshot[C]
	return zero, fmt.Errorf("%w: %v", ErrSnapshotLookup, ts)
}
