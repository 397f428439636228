package nosv

import (
	"github.com/pkg/errors"

	"github.com/aclements/nosv/internal/status"
	"github.com/aclements/nosv/internal/task"
)

// RunFunc is a task's body (spec.md §4.5 "task_create"). ctx is nil
// when the function is not running under a worker's control — callers
// should not normally see that, since RunFunc only ever runs inside a
// task, but every *Context method tolerates a nil receiver and reports
// status.ErrOutsideTask.
type RunFunc = task.RunFunc

// Context is the task-local handle a running task's body uses to pause,
// yield, query its execution id and CPU, and submit child tasks
// (spec.md §4.5 "task context").
type Context = task.Context

// Affinity pins a task to a topology domain, optionally strictly
// (spec.md §4.3 "Affinity").
type Affinity = task.Affinity

// Task is a created, schedulable unit of work (spec.md §4.5).
type Task = task.Task

// CreateTask defines a new task of typeName running run, with the
// given parallel degree and affinity (spec.md §4.5 "task_create").
// The returned Task is in the Created state; call SubmitTask to make
// it eligible for scheduling.
func (p *Process) CreateTask(typeName string, run RunFunc, degree int, affinity Affinity) (*Task, error) {
	t, err := task.Create(typeName, run, degree, affinity)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.tasks[t.SchedID()] = t
	p.mu.Unlock()
	return t, nil
}

// SubmitTask implements task_submit (spec.md §4.5): the task becomes
// Ready and is filed into this process's scheduler. cpu, when
// ambient-submitted (i.e. not called from inside a running task's own
// body), is the CPU whose ready queue the task is filed under first;
// pass -1 to let the process pick one of its owned CPUs.
func (p *Process) SubmitTask(t *Task, cpu int) error {
	p.mu.Lock()
	if cpu < 0 {
		cpu = p.anyOwnedCPULocked()
	}
	p.mu.Unlock()
	if cpu < 0 {
		return status.ErrNotInitialized
	}
	p.registerAffinityWant(t)
	return task.Submit(p.sched, p.gov, cpu, t)
}

func (p *Process) anyOwnedCPULocked() int {
	for cpu := range p.workers {
		return cpu
	}
	return -1
}

// registerAffinityWant tells this process's daemon (if any) about any
// CPU t is strictly affine to that this process does not currently
// own (spec.md §4.8 "a process still wanting them"). t is still filed
// into the scheduler normally regardless — internal/scheduler queues a
// strict task by affinity independent of which CPUs this process
// happens to own workers for — it just cannot be dispatched until a
// worker exists for that CPU, which is exactly the condition a later
// transfer resolves.
func (p *Process) registerAffinityWant(t *Task) {
	if p.client == nil {
		return
	}
	level, logicalID, strict, set := t.Affinity()
	if !set || !strict {
		return
	}
	dom, err := p.tree.Domain(level, logicalID)
	if err != nil {
		return
	}
	var unowned []int
	p.mu.Lock()
	dom.LogicalSet.Range(func(cpu int) {
		if _, owned := p.workers[cpu]; !owned {
			unowned = append(unowned, cpu)
		}
	})
	p.mu.Unlock()
	for _, cpu := range unowned {
		p.wantCPU(cpu)
	}
}

// WaitTask blocks until every concurrent invocation of t has completed
// (spec.md §4.5 "task_wait").
func (p *Process) WaitTask(t *Task) {
	t.Wait()
}

// DestroyTask releases t's resources. t must be Completed.
func (p *Process) DestroyTask(t *Task) error {
	if err := t.Destroy(); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.tasks, t.SchedID())
	p.mu.Unlock()
	return nil
}

// TaskCount returns the number of tasks this process currently has
// created (not yet destroyed); used for ActionReportStats telemetry.
func (p *Process) TaskCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// ReportStats pushes this process's current task count to the attached
// daemon, if any (nosvctl ps reads it back via ActionPS). It is a
// no-op for a standalone (Attach, not AttachRemote) process.
func (p *Process) ReportStats() error {
	if p.client == nil {
		return nil
	}
	return errors.Wrap(p.client.reportStats(p.pid, p.TaskCount()), "reporting stats")
}
