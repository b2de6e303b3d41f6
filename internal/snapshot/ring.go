package snapshot

// ring is a fixed-capacity FIFO. Pushing into a full ring evicts the
// oldest element and returns it.
type ring[T any] struct {
	items []T
	head  int // position of the oldest element
	n     int
}

func newRing[T any](capacity int) ring[T] {
	return ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) cap() int { return len(r.items) }
func (r *ring[T]) len() int { return r.n }

func (r *ring[T]) at(i int) T {
	return r.items[(r.head+i)%len(r.items)]
}

func (r *ring[T]) back() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.at(r.n - 1), true
}

// push appends v. When the ring is full the oldest element is removed
// first and returned with evicted == true.
func (r *ring[T]) push(v T) (old T, evicted bool) {
	if r.n == len(r.items) {
		old = r.items[r.head]
		r.items[r.head] = v
		r.head = (r.head + 1) % len(r.items)
		return old, true
	}
	r.items[(r.head+r.n)%len(r.items)] = v
	r.n++
	return old, false
}

// linear returns the contents oldest first in a fresh slice.
func (r *ring[T]) linear() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.at(i)
	}
	return out
}

// reset replaces the contents with vs (len(vs) <= cap).
func (r *ring[T]) reset(vs []T) {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	copy(r.items, vs)
	r.head = 0
	r.n = len(vs)
}
