// Package snapshot provides bounded, per-entity histories of admitted
// client events and component values.
//
// A Buffer keeps the most recent events of one kind for one entity,
// rejects events that would break per-producer ordering, and hands
// unconsumed events to a single consumer through a frontier cursor.
// Buffers are not safe for concurrent use; the simulation guarantees a
// single writer per tick.
package snapshot

import (
	"fmt"
	"iter"
	"slices"

	"arena-sync/internal/event"
)

// EventSnapshot is an admitted event plus the server-side metadata
// recorded at admission. It is never modified after construction.
type EventSnapshot[E event.Event] struct {
	event             E
	receivedTimestamp float64
	tick              uint32
}

// NewEventSnapshot builds a snapshot. Buffers call it on admission;
// it is exported for tests and replay tooling.
func NewEventSnapshot[E event.Event](ev E, receivedTimestamp float64, tick uint32) EventSnapshot[E] {
	return EventSnapshot[E]{event: ev, receivedTimestamp: receivedTimestamp, tick: tick}
}

// Event returns the wrapped event.
func (s EventSnapshot[E]) Event() E { return s.event }

// Tick returns the server tick the event was admitted under.
func (s EventSnapshot[E]) Tick() uint32 { return s.tick }

// ReceivedTimestamp returns the local clock reading at admission.
func (s EventSnapshot[E]) ReceivedTimestamp() float64 { return s.receivedTimestamp }

// Index returns the sender's sequence number for the event.
func (s EventSnapshot[E]) Index() uint64 { return s.event.Index() }

// Timestamp returns the sender's send time for the event.
func (s EventSnapshot[E]) Timestamp() float64 { return s.event.Timestamp() }

// Buffer is a bounded FIFO of EventSnapshots with a frontier cursor.
type Buffer[E event.Event] struct {
	deq           ring[EventSnapshot[E]]
	clock         Clock
	frontierIndex uint64

	// evicted before any Frontier call returned them
	droppedUnconsumed uint64
}

// NewBuffer creates a buffer holding at most maxSize snapshots.
// A zero maxSize produces a buffer that rejects every insert with
// ErrCapacity. A nil clock defaults to SystemClock.
func NewBuffer[E event.Event](maxSize int, clock Clock) *Buffer[E] {
	if maxSize < 0 {
		maxSize = 0
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Buffer[E]{
		deq:   newRing[EventSnapshot[E]](maxSize),
		clock: clock,
	}
}

// Len returns the number of stored snapshots.
func (b *Buffer[E]) Len() int { return b.deq.len() }

// Cap returns the configured maximum size.
func (b *Buffer[E]) Cap() int { return b.deq.cap() }

// FrontierIndex returns the next unconsumed event index.
func (b *Buffer[E]) FrontierIndex() uint64 { return b.frontierIndex }

// DroppedUnconsumed returns how many snapshots were evicted before a
// Frontier call handed them to the consumer.
func (b *Buffer[E]) DroppedUnconsumed() uint64 { return b.droppedUnconsumed }

// Latest returns the most recently inserted snapshot.
func (b *Buffer[E]) Latest() (EventSnapshot[E], bool) {
	return b.deq.back()
}

// Get returns the snapshot at position i, oldest first.
func (b *Buffer[E]) Get(i int) (EventSnapshot[E], bool) {
	if i < 0 || i >= b.deq.len() {
		var zero EventSnapshot[E]
		return zero, false
	}
	return b.deq.at(i), true
}

// All iterates every stored snapshot, oldest first, without touching the
// frontier.
func (b *Buffer[E]) All() iter.Seq2[int, EventSnapshot[E]] {
	return func(yield func(int, EventSnapshot[E]) bool) {
		for i := 0; i < b.deq.len(); i++ {
			if !yield(i, b.deq.at(i)) {
				return
			}
		}
	}
}

// Insert admits ev at the given server tick.
//
// The event is rejected when its timestamp is not older than the local
// receipt time, when tick or timestamp go backwards relative to the
// latest snapshot, or when its index is behind the frontier. A rejected
// insert leaves the buffer unchanged. When the buffer is full the oldest
// snapshot is evicted.
func (b *Buffer[E]) Insert(ev E, tick uint32) error {
	if b.deq.cap() == 0 {
		return ErrCapacity
	}

	received := b.clock.Now()
	if ev.Timestamp() >= received {
		return fmt.Errorf("%w: timestamp %v, received %v", ErrClockSkew, ev.Timestamp(), received)
	}

	if latest, ok := b.deq.back(); ok {
		if tick < latest.tick {
			return fmt.Errorf("%w: tick %d, latest %d", ErrStaleTick, tick, latest.tick)
		}
		if ev.Timestamp() <= latest.Timestamp() {
			return fmt.Errorf("%w: timestamp %v, latest %v", ErrStaleTimestamp, ev.Timestamp(), latest.Timestamp())
		}
	}

	if ev.Index() < b.frontierIndex {
		return fmt.Errorf("%w: index %d, frontier %d", ErrBehindFrontier, ev.Index(), b.frontierIndex)
	}

	if old, evicted := b.deq.push(NewEventSnapshot(ev, received, tick)); evicted {
		if old.Index() >= b.frontierIndex {
			b.droppedUnconsumed++
		}
	}
	return nil
}

// Frontier returns every snapshot from the first one whose index is at
// or past the frontier through the end of the buffer, and moves the
// frontier past the last buffered index.
//
// The cursor moves when Frontier is called, not when the sequence is
// iterated. The sequence is a copy and can be ranged over once; a second
// range yields nothing. With nothing new buffered the sequence is empty
// and the cursor does not move.
//
// Delivery is at-least-once: entries that sit behind a qualifying entry
// (possible after out-of-order producer indices) are returned again.
func (b *Buffer[E]) Frontier() iter.Seq[EventSnapshot[E]] {
	pending := b.FrontierSlice()
	return func(yield func(EventSnapshot[E]) bool) {
		for len(pending) > 0 {
			s := pending[0]
			pending = pending[1:]
			if !yield(s) {
				return
			}
		}
	}
}

// FrontierSlice is Frontier returning a slice.
func (b *Buffer[E]) FrontierSlice() []EventSnapshot[E] {
	begin := -1
	for i := 0; i < b.deq.len(); i++ {
		if b.deq.at(i).Index() >= b.frontierIndex {
			begin = i
			break
		}
	}
	if begin < 0 {
		return nil
	}

	last, _ := b.deq.back()
	if next := last.Index() + 1; next > b.frontierIndex {
		b.frontierIndex = next
	}

	out := make([]EventSnapshot[E], 0, b.deq.len()-begin)
	for i := begin; i < b.deq.len(); i++ {
		out = append(out, b.deq.at(i))
	}
	return out
}

// SortWithIndex reorders the stored snapshots by event index. Snapshots
// with equal indices keep their insertion order.
func (b *Buffer[E]) SortWithIndex() {
	items := b.deq.linear()
	slices.SortStableFunc(items, func(x, y EventSnapshot[E]) int {
		switch {
		case x.Index() < y.Index():
			return -1
		case x.Index() > y.Index():
			return 1
		}
		return 0
	})
	b.deq.reset(items)
}
