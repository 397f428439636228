// Package delegation implements the single-server delegation lock of
// spec.md §4.3: exactly one contender at a time is "the holder" and
// runs the scheduler's server loop on behalf of every other waiter,
// writing each one's per-CPU slot before it resumes. Unlike a classic
// mutex, Release can elect the next holder directly from the pending
// queue instead of racing all waiters for a fresh acquire.
package delegation

import (
	"sync"

	"github.com/pkg/errors"
)

// SlotKind is the tag on a waiter's served result (spec.md §4.3 table).
type SlotKind int

const (
	// SlotEmpty means the waiter has not been served yet (used only as
	// a zero value; it never escapes Acquire).
	SlotEmpty SlotKind = iota
	// SlotTryAgain means the holder released this waiter with no task;
	// the caller should re-enter Acquire.
	SlotTryAgain
	// SlotTask means the slot carries a task handle to execute.
	SlotTask
	// SlotPark means the caller should park on its futex/wake channel
	// until the governor's wake-one signals it (spec.md §4.4).
	SlotPark
)

// Slot is the value written into a waiter's per-CPU slot by the holder.
type Slot struct {
	Kind SlotKind
	Task interface{}
}

// Outcome is what Acquire returns to a caller.
type Outcome int

const (
	// Holder means the caller now holds the lock and must run the
	// server loop (drain queues, dispatch, then call Release).
	Holder Outcome = iota
	// Served means another thread's server loop ran on this caller's
	// behalf; the returned Slot carries the result.
	Served
)

type waiter struct {
	resultCh     chan Slot
	becomeHolder chan struct{}
	queued       bool
}

// Lock is the delegation lock for a region's NumCPU logical CPUs, one
// waiter slot per CPU (spec.md §3 "Waiter slot").
type Lock struct {
	mu      sync.Mutex
	heldBy  int // cpu logical id of the current holder, or -1
	held    bool
	queue   []int
	waiters []waiter
}

// New returns a Lock with one waiter slot per logical CPU in [0, numCPU).
func New(numCPU int) *Lock {
	l := &Lock{heldBy: -1, waiters: make([]waiter, numCPU)}
	for i := range l.waiters {
		l.waiters[i] = waiter{
			resultCh:     make(chan Slot, 1),
			becomeHolder: make(chan struct{}, 1),
		}
	}
	return l
}

// NumCPU returns the number of waiter slots.
func (l *Lock) NumCPU() int { return len(l.waiters) }

// Acquire enters the lock on behalf of cpu. It either returns Holder
// (the caller must run the server loop and eventually call Release), or
// Served with the Slot another thread's server-loop pass wrote on the
// caller's behalf.
func (l *Lock) Acquire(cpu int) (Outcome, Slot) {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.heldBy = cpu
		l.mu.Unlock()
		return Holder, Slot{}
	}
	w := &l.waiters[cpu]
	w.queued = true
	l.queue = append(l.queue, cpu)
	l.mu.Unlock()

	select {
	case <-w.becomeHolder:
		return Holder, Slot{}
	case s := <-w.resultCh:
		return Served, s
	}
}

// PendingWaiters returns a snapshot of the CPUs currently queued,
// waiting to be served by the holder's server-loop pass. The order is
// FIFO arrival order.
func (l *Lock) PendingWaiters() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.queue))
	copy(out, l.queue)
	return out
}

// Serve delivers slot to the waiter on cpu, removing it from the
// pending queue without electing it as holder. The holder's server loop
// calls this once per waiter it decides to serve (spec.md §4.5 "for
// each waiter present in the governor's waiters bitset"). Serving a cpu
// not currently queued is a no-op (it returns false) since the server
// loop works off a point-in-time snapshot that may race a waiter's own
// Acquire.
func (l *Lock) Serve(cpu int, slot Slot) bool {
	l.mu.Lock()
	w := &l.waiters[cpu]
	if !w.queued {
		l.mu.Unlock()
		return false
	}
	w.queued = false
	l.removeFromQueue(cpu)
	l.mu.Unlock()

	// Publication of the slot happens-before the unblocking send
	// (spec.md §4.3 "Ordering"): the channel send is itself a release
	// operation and w.resultCh is buffered so this never blocks on a
	// waiter that is (impossibly, since queued was true) not yet
	// parked in Acquire's select.
	w.resultCh <- slot
	return true
}

func (l *Lock) removeFromQueue(cpu int) {
	for i, c := range l.queue {
		if c == cpu {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

// Release is called only by the current holder once its server-loop
// pass is complete. If another CPU is still queued (it arrived after
// the holder's pass snapshot, or the holder chose not to serve it this
// round), that CPU is elected the next holder directly; otherwise the
// lock is marked free.
func (l *Lock) Release(cpu int) error {
	l.mu.Lock()
	if !l.held || l.heldBy != cpu {
		l.mu.Unlock()
		return errors.Errorf("Release called by cpu %d which does not hold the lock", cpu)
	}
	if len(l.queue) == 0 {
		l.held = false
		l.heldBy = -1
		l.mu.Unlock()
		return nil
	}
	next := l.queue[0]
	l.queue = l.queue[1:]
	l.waiters[next].queued = false
	l.heldBy = next
	l.mu.Unlock()

	l.waiters[next].becomeHolder <- struct{}{}
	return nil
}

// HolderCPU reports the CPU currently running the server loop, or -1 if
// the lock is free.
func (l *Lock) HolderCPU() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return -1
	}
	return l.heldBy
}
