package bitset

import "sync/atomic"

// Ring is a fixed-capacity single-producer/single-consumer ring buffer of
// task handles (spec.md C1, C7 "submission side"). Capacity must be a
// power of two. Push never blocks: it fails when the ring is full and
// the caller is expected to fall back to the overflow list described in
// spec.md §4.5 and §9.
//
// Push is release, Pop is acquire: a consumer that observes a slot
// written by Push has also observed every write the producer made to the
// task before Push (spec.md §5, "Submission observed by the server
// happens-after the submitter's write of the task fields").
type Ring struct {
	mask uint64
	buf  []atomic.Pointer[any]

	head atomic.Uint64 // next slot to write (producer-owned)
	tail atomic.Uint64 // next slot to read (consumer-owned)
}

// NewRing returns a Ring with the smallest power-of-two capacity >= n.
func NewRing(n int) *Ring {
	cap := 1
	for cap < n {
		cap <<= 1
	}
	r := &Ring{
		mask: uint64(cap - 1),
		buf:  make([]atomic.Pointer[any], cap),
	}
	return r
}

// Push attempts to enqueue v. It reports false if the ring is full.
func (r *Ring) Push(v any) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= uint64(len(r.buf)) {
		return false
	}
	r.buf[head&r.mask].Store(&v)
	r.head.Store(head + 1) // release
	return true
}

// Pop dequeues the oldest value, or reports false if the ring is empty.
func (r *Ring) Pop() (any, bool) {
	tail := r.tail.Load()
	head := r.head.Load() // acquire
	if tail == head {
		return nil, false
	}
	slot := r.buf[tail&r.mask].Load()
	r.tail.Store(tail + 1)
	if slot == nil {
		return nil, false
	}
	return *slot, true
}

// Len returns a snapshot of the number of queued items. Racy by nature
// of SPSC rings observed from outside the two owning goroutines, so the
// value is only diagnostic and not fit for correctness decisions.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }
