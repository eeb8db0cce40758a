package telemetry

import "time"

// Timed is implemented by samples that can be pruned by age.
type Timed interface {
	Time() time.Time
}

// Ring is a fixed-capacity buffer that overwrites its oldest sample when full.
// It is owned by a single goroutine and does no locking.
type Ring[T Timed] struct {
	buf    []T
	head   int // next write position
	size   int
	pushed uint64
}

// NewRing returns a ring holding at most capacity samples; capacity below 1 is raised to 1.
func NewRing[T Timed](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

func (r *Ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.pushed++
}

func (r *Ring[T]) Len() int      { return r.size }
func (r *Ring[T]) Capacity() int { return len(r.buf) }

// Pushed counts every sample ever pushed, including evicted ones.
func (r *Ring[T]) Pushed() uint64 { return r.pushed }

func (r *Ring[T]) tail() int {
	return (r.head - r.size + len(r.buf)) % len(r.buf)
}

// Snapshot copies the samples oldest first.
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, r.size)
	tail := r.tail()
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(tail+i)%len(r.buf)]
	}
	return out
}

// PruneBefore drops samples older than cutoff and returns how many were dropped.
// Samples are assumed to be pushed in time order.
func (r *Ring[T]) PruneBefore(cutoff time.Time) int {
	var zero T
	dropped := 0
	for r.size > 0 {
		tail := r.tail()
		if !r.buf[tail].Time().Before(cutoff) {
			break
		}
		r.buf[tail] = zero
		r.size--
		dropped++
	}
	return dropped
}

func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.size = 0
}
