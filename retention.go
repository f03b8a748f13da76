package ledgertwin

import "math/rand/v2"

// ring keeps the last cap values appended to it, oldest first.
type ring[T any] struct {
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, max(capacity, 0))}
}

func (r *ring[T]) push(v T) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) len() int { return r.size }

// values returns a copy of the retained values, oldest first.
func (r *ring[T]) values() []T {
	out := make([]T, 0, r.size)
	for i := range r.size {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// reservoir is a uniform random sample of at most cap values out of every value
// offered to it (Vitter's Algorithm R). Once more values have been seen than it
// can hold, each one seen so far has the same probability of being retained.
//
// The source of randomness is supplied by the owner so that replaying the same
// event sequence into identically seeded stores retains identical samples.
type reservoir[T any] struct {
	buf  []T
	cap  int
	seen int64
}

func newReservoir[T any](capacity int) *reservoir[T] {
	return &reservoir[T]{cap: max(capacity, 0)}
}

func (r *reservoir[T]) offer(v T, rnd *rand.Rand) {
	r.seen++
	if r.cap == 0 {
		return
	}
	if len(r.buf) < r.cap {
		r.buf = append(r.buf, v)
		return
	}
	if j := rnd.Int64N(r.seen); j < int64(r.cap) {
		r.buf[j] = v
	}
}

// seenCount is the number of values ever offered, retained or not.
func (r *reservoir[T]) seenCount() int64 { return r.seen }

func (r *reservoir[T]) values() []T {
	out := make([]T, len(r.buf))
	copy(out, r.buf)
	return out
}
