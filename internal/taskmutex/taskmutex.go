// Package taskmutex implements the cooperative task mutex of spec.md
// §4.7: a lock whose waiters are tasks, not OS threads, so a blocked
// acquirer parks by calling task_pause rather than spinning on a futex.
// Unlock hands ownership directly to the next waiter and, when that
// waiter is affine to the unlocker's own CPU, resumes it in place
// instead of routing it back through the scheduler's input queues.
package taskmutex

import (
	"sync"

	"github.com/aclements/nosv/internal/status"
	"github.com/aclements/nosv/internal/task"
)

// Mutex is an intrusive FIFO task mutex: waiters queue in arrival order
// and the lock is handed off directly rather than re-raced.
type Mutex struct {
	mu     sync.Mutex
	taken  bool
	holder *task.Task
	queue  []waiter
}

type waiter struct {
	t    *task.Task
	ctx  *task.Context
	cpu  int
}

// New returns an unlocked Mutex.
func New() *Mutex {
	return &Mutex{}
}

// TryLock implements trylock: it never blocks, returning ErrBusy if the
// mutex is currently held.
func (m *Mutex) TryLock(ctx *task.Context) error {
	t, err := ctx.Task()
	if err != nil {
		return err
	}
	if t.Degree() > 1 {
		return status.ErrInvalidOperation // spec.md §4.7: parallel-degree tasks may not take a mutex
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taken {
		return status.ErrBusy
	}
	m.taken = true
	m.holder = t
	return nil
}

// Lock implements lock: if the mutex is free it is taken immediately;
// otherwise the calling task enqueues itself and calls task_pause,
// resuming (via Unlock's hand-off) already owning the mutex.
func (m *Mutex) Lock(ctx *task.Context) error {
	t, err := ctx.Task()
	if err != nil {
		return err
	}
	if t.Degree() > 1 {
		return status.ErrInvalidOperation
	}
	cpu, err := ctx.CPU()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if !m.taken {
		m.taken = true
		m.holder = t
		m.mu.Unlock()
		return nil
	}
	m.queue = append(m.queue, waiter{t: t, ctx: ctx, cpu: cpu})
	m.mu.Unlock()

	// Blocks until Unlock pops this waiter and calls task.Unblock,
	// having already made it the new holder.
	return ctx.Pause()
}

// Unlock releases the mutex, directly electing the next queued waiter
// as holder (spec.md §4.7 "ownership is handed to the next waiter, it
// is never re-raced"). If that waiter shares the unlocker's CPU
// affinity, it is resumed in place; otherwise it is handed back to the
// scheduler via task_submit_unblocked's ordinary path.
func (m *Mutex) Unlock(ctx *task.Context) error {
	t, err := ctx.Task()
	if err != nil {
		return err
	}
	unlockerCPU, err := ctx.CPU()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if !m.taken || m.holder != t {
		m.mu.Unlock()
		return status.ErrInvalidOperation
	}
	if len(m.queue) == 0 {
		m.taken = false
		m.holder = nil
		m.mu.Unlock()
		return nil
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	m.holder = next.t
	m.mu.Unlock()

	ready, err := next.t.Unblock()
	if err != nil {
		return err
	}
	if !ready {
		// Another blocking reason is still outstanding; Unblock will
		// be called again by whatever else is holding next.t up, and
		// that caller is responsible for the resume.
		return nil
	}
	if next.cpu == unlockerCPU {
		next.t.WakeInPlace()
		return nil
	}
	return next.ctx.Resubmit(next.t)
}

// Held reports whether the mutex is currently taken, for telemetry.
func (m *Mutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taken
}
