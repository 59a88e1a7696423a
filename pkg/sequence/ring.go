package sequence

// Ring is a generic fixed-capacity FIFO ring buffer. Pushing into a full ring
// evicts the oldest element. Ring is not safe for concurrent use; callers own
// the synchronization.
type Ring[T any] struct {
	buf  []T
	head int
	size int
}

// NewRing creates a ring buffer with the given capacity. Capacity must be
// positive; non-positive values are treated as 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends a value. When the ring is full the oldest value is evicted and
// returned with evicted=true.
func (r *Ring[T]) Push(value T) (old T, evicted bool) {
	if r.size == len(r.buf) {
		old = r.buf[r.head]
		evicted = true
		r.buf[r.head] = value
		r.head = (r.head + 1) % len(r.buf)
		return old, evicted
	}
	r.buf[(r.head+r.size)%len(r.buf)] = value
	r.size++
	return old, false
}

// Pop removes and returns the oldest value.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	value := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return value, true
}

// Peek returns the oldest value without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[r.head], true
}

// Len returns the number of buffered values.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Snapshot copies the buffered values in oldest-to-newest order.
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Clear drops every buffered value.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.size = 0
}
