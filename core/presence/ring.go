package presence

// Ring is a fixed-capacity circular buffer. When full, new items overwrite
// the oldest. It is not safe for concurrent use; the Tracker guards it.
type Ring[T any] struct {
	items    []T
	head     int
	count    int
	capacity int
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push adds an item, overwriting the oldest when full.
func (r *Ring[T]) Push(item T) {
	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// Last returns up to n items in chronological order (oldest to newest).
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 || r.count == 0 {
		return []T{}
	}
	n = min(n, r.count)

	out := make([]T, n)
	start := (r.head - n + r.capacity) % r.capacity
	for i := range n {
		out[i] = r.items[(start+i)%r.capacity]
	}
	return out
}

// All returns every item, oldest first.
func (r *Ring[T]) All() []T {
	return r.Last(r.count)
}

func (r *Ring[T]) Len() int {
	return r.count
}

func (r *Ring[T]) Cap() int {
	return r.capacity
}
