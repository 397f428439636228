package task

import (
	"time"

	"github.com/aclements/nosv/internal/cpumanager"
	"github.com/aclements/nosv/internal/delegation"
	"github.com/aclements/nosv/internal/governor"
	"github.com/aclements/nosv/internal/scheduler"
)

// Worker is the server-loop thread for one logical CPU (spec.md §4.5,
// §4.6): it repeatedly contends the region's delegation lock, either
// running the scheduler's dispatch pass as holder or waiting on a
// served slot, and dispatches whatever task handle it is handed by
// invoking or resuming that task's body.
type Worker struct {
	cpu  int
	pid  int64
	lock *delegation.Lock
	gov  *governor.Governor
	cpus *cpumanager.Manager
	sched *scheduler.Server
}

// NewWorker returns a Worker bound to cpu, driving the given region
// singletons. One Worker exists per logical CPU a process currently
// owns (internal/cpumanager.Manager tracks ownership; NewWorker itself
// does not claim cpu).
func NewWorker(cpu int, pid int64, lock *delegation.Lock, gov *governor.Governor, cpus *cpumanager.Manager, sched *scheduler.Server) *Worker {
	return &Worker{cpu: cpu, pid: pid, lock: lock, gov: gov, cpus: cpus, sched: sched}
}

// CPU returns the logical CPU this worker serves.
func (w *Worker) CPU() int { return w.cpu }

// Run drives the server loop until stop is closed or the worker's CPU
// is reassigned away from this process (observed via cpus.Owner).
func (w *Worker) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if w.cpus.Owner(w.cpu) != w.pid {
			return
		}

		w.gov.MarkWaiting(w.cpu)
		outcome, slot := w.lock.Acquire(w.cpu)
		if outcome == delegation.Holder {
			w.serverLoop()
			continue
		}
		if !w.handleSlot(slot, stop) {
			return
		}
	}
}

// serverLoop runs once per acquisition as the lock's holder (spec.md
// §4.5): drain every input queue, serve each other queued waiter in
// FIFO arrival order, then dispatch for itself before releasing.
func (w *Worker) serverLoop() {
	w.sched.DrainAll()
	for _, waitingCPU := range w.lock.PendingWaiters() {
		slot := w.computeSlot(waitingCPU)
		w.lock.Serve(waitingCPU, slot)
	}
	mySlot := w.computeSlot(w.cpu)
	if err := w.lock.Release(w.cpu); err != nil {
		assertf(false, "holder %d failed to release: %v", w.cpu, err)
		return
	}
	w.handleSlot(mySlot, nil)
}

// computeSlot decides what a served waiter on cpu should be told,
// checking the immediate-successor hint first (spec.md §4.5 point 4),
// then ordinary dispatch, then the governor's spin/sleep policy.
func (w *Worker) computeSlot(cpu int) delegation.Slot {
	if h, ok := w.sched.TakeSuccessor(cpu); ok {
		w.gov.OnServedTask(cpu)
		return delegation.Slot{Kind: delegation.SlotTask, Task: h}
	}
	if h, ok := w.sched.Dispatch(cpu); ok {
		w.gov.OnServedTask(cpu)
		return delegation.Slot{Kind: delegation.SlotTask, Task: h}
	}
	switch w.gov.Decide(cpu) {
	case governor.DecisionTryAgain:
		return delegation.Slot{Kind: delegation.SlotTryAgain}
	default:
		return delegation.Slot{Kind: delegation.SlotPark}
	}
}

// handleSlot acts on a slot this worker itself was served (either
// directly from Acquire, or as the holder serving itself at the end of
// serverLoop). It returns false if the worker should stop entirely
// (only possible while parked, via stop).
func (w *Worker) handleSlot(slot delegation.Slot, stop <-chan struct{}) bool {
	switch slot.Kind {
	case delegation.SlotTask:
		h, ok := slot.Task.(*Task)
		assertf(ok, "delegation slot carried a non-task handle %T", slot.Task)
		if ok {
			w.runHandle(h)
		}
	case delegation.SlotPark:
		if stop == nil {
			return true
		}
		select {
		case <-w.gov.WaitChan(w.cpu):
		case <-w.cpus.WakeChan(w.cpu):
		case <-stop:
			return false
		}
	case delegation.SlotTryAgain:
	}
	return true
}

// runHandle invokes or resumes h's body and blocks until it reports its
// next pause, yield, or completion. While the body runs, it also watches
// for quantum expiry (spec.md §4.5 point 3, §4.7): this worker is the
// only goroutine that knows when h started running on this CPU, so it is
// the one that stamps the quantum-expiry flag h's own Context later
// observes, rather than forcing any kind of preemption.
func (w *Worker) runHandle(h *Task) {
	if h.resuming() {
		h.WakeInPlace()
	} else {
		execID := h.beginInvocation()
		if execID < 0 {
			assertf(false, "task %d dispatched past its degree", h.SchedID())
			return
		}
		ctx := &Context{task: h, worker: w, executionID: execID}
		go func() {
			h.run(ctx)
			h.events <- event{kind: eventCompleted}
		}()
	}

	var quantumC <-chan time.Time
	if q := w.sched.Quantum(); q > 0 {
		timer := time.NewTimer(q)
		defer timer.Stop()
		quantumC = timer.C
	}

	var ev event
	for {
		select {
		case ev = <-h.events:
		case <-quantumC:
			quantumC = nil // spec.md §4.5 point 3: the flag is set once per quantum, not re-armed
			if w.sched.HasReadyFor(w.cpu) {
				h.markQuantumExpired()
			}
			continue
		}
		break
	}

	switch ev.kind {
	case eventPaused:
		// The body is parked on its own gate until some future
		// Unblock() call brings its blocking count to zero; nothing
		// further for this worker to do.
	case eventYielded:
		// The body resubmits itself as its own immediate successor
		// (resubmitSelf) right after reporting this event.
	case eventCompleted:
		h.finishInvocation()
	}
}

// resubmitSelf implements the scheduler hand-off half of task_yield:
// the yielding task is re-submitted on the CPU it just vacated, so the
// immediate-successor hint gives it a shot at resuming there first.
func (w *Worker) resubmitSelf(h *Task) {
	w.sched.SubmitSuccessor(w.cpu, h)
}

// submit is the shared implementation behind task_submit, whether
// called from within a running task's Context or from outside any
// task. successor marks an in-task submission eligible for the
// immediate-successor hint.
func (w *Worker) submit(t *Task, successor bool) error {
	if err := t.markSubmitted(); err != nil {
		return err
	}
	if successor {
		w.sched.SubmitSuccessor(w.cpu, t)
	} else {
		w.sched.Submit(w.cpu, t)
	}
	w.gov.WakeOne()
	return nil
}

// Submit implements task_submit for a caller that is not itself running
// as a task body (e.g. a daemon RPC handler acting on a client's
// behalf). cpu is the logical CPU the submission is attributed to for
// queue placement (spec.md §4.5 "per-producer input queue").
func Submit(sched *scheduler.Server, gov *governor.Governor, cpu int, t *Task) error {
	if err := t.markSubmitted(); err != nil {
		return err
	}
	sched.Submit(cpu, t)
	gov.WakeOne()
	return nil
}
