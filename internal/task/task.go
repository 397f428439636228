// Package task implements the task model and worker-thread loop of
// spec.md §4.6, §4.7's call-site half, and §7's state machine: task
// creation, submission, voluntary pause/yield, and the per-CPU server
// loop that ties the delegation lock, governor, CPU manager and
// scheduler together into something that actually runs task bodies.
//
// A Task's body executes on a dedicated goroutine for its entire
// lifetime; Go gives us no portable way to switch an OS thread's stack
// the way the original runtime's fiber implementation does, so "a task
// resumes on whichever worker dispatches it" is modeled as: the body's
// goroutine blocks on an internal gate while paused or yielded, and
// whichever worker's server loop next dispatches that task's handle
// simply closes the gate and waits for the next pause/yield/completion
// event on the task's event channel. The worker's own goroutine is
// freed to serve other CPUs in the meantime; only the logical "which
// CPU is this task bound to right now" bookkeeping, not an OS thread,
// ever moves.
package task

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/aclements/nosv/internal/status"
	"github.com/aclements/nosv/internal/topology"
)

// State is a task's position in the state machine of spec.md §7.
type State int

const (
	Created State = iota
	Submitted
	Ready
	Running
	Paused
	Yielding
	Completed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Submitted:
		return "submitted"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Yielding:
		return "yielding"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Affinity is a task's scheduling affinity (spec.md §3 "Task affinity").
// The zero value has Set false, meaning the task has no affinity and is
// eligible for any CPU.
type Affinity struct {
	Level     topology.Level
	LogicalID int
	Strict    bool
	Set       bool
}

// RunFunc is a task's body. It receives a Context carrying the task
// identity, the executing worker, and this invocation's execution id
// (spec.md §4.6 "parallel tasks... each concurrent invocation is given
// a distinct execution id in [0, degree)").
type RunFunc func(ctx *Context)

var nextID atomic.Uint64

// eventKind tags what a task body's goroutine reported on its last
// pause/yield/completion.
type eventKind int

const (
	eventPaused eventKind = iota
	eventYielded
	eventCompleted
)

type event struct {
	kind eventKind
}

// Task is one schedulable unit of work (spec.md §3 "Task"). It
// implements scheduler.Handle so internal/scheduler never needs to
// import this package.
type Task struct {
	id       uint64
	typeName string
	run      RunFunc
	degree   int
	affinity Affinity

	mu             sync.Mutex
	state          State
	blockingCount  int
	gate           chan struct{} // non-nil while a goroutine is parked paused/yielding
	started        int           // concurrent invocations started so far
	finished       int           // concurrent invocations completed so far
	destroyed      bool
	quantumExpired bool // spec.md §4.5 point 3, §4.7: set by the worker, observed (and cleared) at this task's next scheduling point

	events chan event // buffered 1; body goroutine -> worker that dispatched it

	waitCh chan struct{} // closed when Completed; never recreated, a task is terminal once done
}

// Create implements task_create (spec.md §4.6). degree must be >= 1;
// degree > 1 marks a parallel task whose body may run concurrently on
// up to degree CPUs at once.
func Create(typeName string, run RunFunc, degree int, affinity Affinity) (*Task, error) {
	if run == nil {
		return nil, status.ErrInvalidCallback
	}
	if degree < 1 {
		return nil, status.ErrInvalidParameter
	}
	t := &Task{
		id:       nextID.Add(1),
		typeName: typeName,
		run:      run,
		degree:   degree,
		affinity: affinity,
		state:    Created,
		events:   make(chan event, 1),
		waitCh:   make(chan struct{}),
	}
	return t, nil
}

// SchedID implements scheduler.Handle.
func (t *Task) SchedID() uint64 { return t.id }

// Affinity implements scheduler.Handle.
func (t *Task) Affinity() (topology.Level, int, bool, bool) {
	if !t.affinity.Set {
		return 0, 0, false, false
	}
	return t.affinity.Level, t.affinity.LogicalID, t.affinity.Strict, true
}

// Degree implements scheduler.Handle.
func (t *Task) Degree() int { return t.degree }

// TypeName returns the task's type label (spec.md §3 "Task type"), used
// for telemetry and nosvctl's ps listing.
func (t *Task) TypeName() string { return t.typeName }

// State returns the task's current state under its own lock.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// resuming reports whether this handle, next time it is dispatched,
// should resume an already-running body (paused or yielded) rather than
// start a fresh invocation.
func (t *Task) resuming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gate != nil
}

// markSubmitted implements the created->submitted->ready transition of
// task_submit. The transition to ready is immediate in this
// implementation: a submitted handle is filed into the scheduler's
// ready structures as part of the same call (internal/scheduler files
// every handle it is given directly, there is no separate
// "acknowledged by the server loop" step to observe), so there is no
// externally visible window where a task sits in the submitted state.
func (t *Task) markSubmitted() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Created {
		return status.ErrInvalidOperation
	}
	t.state = Submitted
	t.state = Ready
	return nil
}

// Wait blocks until the task has run all degree invocations to
// completion (task_wait_for's synchronous counterpart; see Context for
// the cooperative, in-task version used by a waiting task itself).
func (t *Task) Wait() {
	<-t.waitCh
}

// Destroy implements task_destroy. It is only valid once the task has
// completed (spec.md §7 "destroy is only legal from the completed
// state"); destroying a task that is still running, paused, or
// yielding is a programmer error.
func (t *Task) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Completed {
		return status.ErrInvalidOperation
	}
	if t.destroyed {
		return status.ErrInvalidOperation
	}
	t.destroyed = true
	return nil
}

// beginInvocation claims the next execution id for a fresh start of
// this task's body, or -1 if every concurrent invocation has already
// started (the scheduler's remaining-degree bookkeeping should prevent
// this from being called more times than Degree(), but Worker checks
// defensively).
func (t *Task) beginInvocation() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started >= t.degree {
		return -1
	}
	id := t.started
	t.started++
	t.state = Running
	return id
}

// finishInvocation records that one concurrent invocation returned from
// its body. It reports whether this was the last of degree invocations
// to finish, in which case the task as a whole is Completed.
func (t *Task) finishInvocation() bool {
	t.mu.Lock()
	t.finished++
	done := t.finished >= t.degree
	if done {
		t.state = Completed
	}
	t.mu.Unlock()
	if done {
		close(t.waitCh)
	}
	return done
}

// markQuantumExpired records that this task's current invocation has run
// past the configured quantum while another ready task targets the same
// CPU (spec.md §4.5 point 3). It does not interrupt the running body;
// the flag is only observed, and cleared, the next time the body reaches
// a scheduling point (pause, yield, or submitting a child).
func (t *Task) markQuantumExpired() {
	t.mu.Lock()
	t.quantumExpired = true
	t.mu.Unlock()
}

// observeQuantum reports and clears the quantum-expiry flag, implementing
// the "observes... at the next scheduling point" half of spec.md §4.7.
func (t *Task) observeQuantum() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expired := t.quantumExpired
	t.quantumExpired = false
	return expired
}

// pause implements the running->paused half of task_pause: it records
// one more outstanding blocking reason and parks the calling goroutine
// (which must be this task's own body) on a fresh gate.
func (t *Task) pause() error {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		return status.ErrInvalidOperation
	}
	t.blockingCount++
	t.quantumExpired = false
	gate := make(chan struct{})
	t.gate = gate
	t.state = Paused
	t.mu.Unlock()

	t.events <- event{kind: eventPaused}
	<-gate
	return nil
}

// yield implements task_yield: the task gives up its CPU for the
// current quantum/contention pass but has nothing it is waiting on, so
// it is immediately re-submitted as ready (spec.md §7 running->
// yielding->ready->running).
func (t *Task) yield(resubmit func(h *Task)) error {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		return status.ErrInvalidOperation
	}
	t.quantumExpired = false
	gate := make(chan struct{})
	t.gate = gate
	t.state = Yielding
	t.mu.Unlock()

	t.events <- event{kind: eventYielded}
	resubmit(t)
	<-gate
	return nil
}

// Unblock implements task_submit_unblocked's count-management half
// (spec.md §4.6 "a task's blocking count... the task becomes ready
// again once it reaches zero"). It reports whether this call was the
// one that brought the count to zero, in which case the caller must
// separately call WakeInPlace or hand t to a scheduler to actually
// resume it.
func (t *Task) Unblock() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.blockingCount <= 0 {
		return false, status.ErrInvalidOperation
	}
	t.blockingCount--
	if t.blockingCount > 0 {
		return false, nil
	}
	t.state = Ready
	return true, nil
}

// WakeInPlace resumes a paused or yielded body in place, without going
// through the scheduler's input queues: this is the delegation-free
// hand-off spec.md §4.7 calls "in-place yield" when the resumed task is
// affine to the unlocker's own CPU.
func (t *Task) WakeInPlace() {
	t.mu.Lock()
	gate := t.gate
	t.gate = nil
	t.state = Running
	t.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// Context is the handle a running task body uses to call back into its
// own execution (spec.md §4.6, §7's "operations that require a task
// context"). Every nosv operation that only makes sense from inside a
// task takes one explicitly: Go has no ambient per-thread state to hang
// an implicit "current task" off of the way the original runtime does,
// so a nil *Context is the literal, type-checked spelling of "called
// outside a task" (see ErrOutsideTask below) rather than a runtime
// lookup that can fail.
type Context struct {
	task        *Task
	worker      *Worker
	executionID int
}

// errOutsideTask is returned by every Context method when called on a
// nil receiver, satisfying spec.md §7's "operations requiring a task
// context return outside-task when invoked without one" for the one
// case Go's type system cannot rule out at compile time: a caller that
// received no Context at all (e.g. a callback invoked from outside any
// worker loop) but still holds a typed nil pointer to pass around.
var errOutsideTask = status.ErrOutsideTask

// Task returns the task this context belongs to.
func (c *Context) Task() (*Task, error) {
	if c == nil {
		return nil, errOutsideTask
	}
	return c.task, nil
}

// ExecutionID returns this invocation's execution id in [0, degree).
func (c *Context) ExecutionID() (int, error) {
	if c == nil {
		return 0, errOutsideTask
	}
	return c.executionID, nil
}

// CPU returns the logical CPU this invocation is currently running on.
func (c *Context) CPU() (int, error) {
	if c == nil {
		return 0, errOutsideTask
	}
	return c.worker.cpu, nil
}

// QuantumExpired reports whether this invocation has run past its
// scheduling quantum while another ready task wants this CPU (spec.md
// §4.5 point 3), clearing the flag as it is observed. A long-running
// task body is expected to poll this between units of work and call
// Yield when it comes back true; nothing forces preemption.
func (c *Context) QuantumExpired() (bool, error) {
	if c == nil {
		return false, errOutsideTask
	}
	return c.task.observeQuantum(), nil
}

// Pause implements task_pause from within the task's own body.
func (c *Context) Pause() error {
	if c == nil {
		return errOutsideTask
	}
	return c.task.pause()
}

// Yield implements task_yield from within the task's own body.
func (c *Context) Yield() error {
	if c == nil {
		return errOutsideTask
	}
	return c.task.yield(c.worker.resubmitSelf)
}

// Resubmit hands an already-unblocked task (one whose blocking count
// Unblock just brought to zero) back to the scheduler on this
// context's CPU, for the case where it is not affine to the cpu doing
// the unblocking and so cannot simply be resumed in place.
func (c *Context) Resubmit(t *Task) error {
	if c == nil {
		return errOutsideTask
	}
	c.worker.sched.Submit(c.worker.cpu, t)
	c.worker.gov.WakeOne()
	return nil
}

// Submit implements task_submit from within a task's body, recording
// child as this task's immediate successor for the hand-off hint of
// spec.md §4.5 point 4 when child has no affinity or its affinity
// domain covers this task's CPU.
func (c *Context) Submit(child *Task) error {
	if c == nil {
		return errOutsideTask
	}
	c.task.observeQuantum()
	return c.worker.submit(child, true)
}

// assertf panics in debug builds on a violated internal invariant
// (spec.md §7 "Programmer errors... in debug builds they also trip
// assertions"); see assert_debug.go and assert_release.go.
func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		assertTrip(errors.Errorf(format, args...))
	}
}
