// Package cpumanager implements the per-CPU ownership slot and wakeup
// channel described in spec.md §4.2. It is the only place owner_pid[cpu]
// is mutated, and every mutation uses atomic release/acquire semantics
// (spec.md §5 "Shared-resource policy").
package cpumanager

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

const unowned = -1

// Manager holds the dense owner_pid[] vector and a wakeup channel per
// CPU. Workers block receiving from their CPU's channel when the
// governor parks them (spec.md §4.4); Transfer both sets the new owner
// and wakes the worker that should now be running on that CPU.
type Manager struct {
	owners []atomic.Int64 // pid, or unowned (-1)
	wake   []chan WakeMsg
}

// WakeMsg is delivered to a CPU's wakeup channel by Transfer. Handle is
// the task handle being handed to that CPU's worker, or nil if the
// worker should just re-enter the scheduler (e.g. after mark-free, to
// let a new owner's worker start from scratch).
type WakeMsg struct {
	Handle interface{}
}

// New returns a Manager for numCPU logical CPUs, all initially unowned.
func New(numCPU int) *Manager {
	m := &Manager{
		owners: make([]atomic.Int64, numCPU),
		wake:   make([]chan WakeMsg, numCPU),
	}
	for i := range m.owners {
		m.owners[i].Store(unowned)
		m.wake[i] = make(chan WakeMsg, 1)
	}
	return m
}

// NumCPU returns the number of CPUs this manager tracks.
func (m *Manager) NumCPU() int { return len(m.owners) }

// Owner returns the pid currently owning cpu, or -1 if unowned.
func (m *Manager) Owner(cpu int) int64 {
	return m.owners[cpu].Load()
}

// PopFree scans for a free CPU and claims it for pid, returning its
// logical id. Returns (-1, false) if no CPU is free.
func (m *Manager) PopFree(pid int64) (int, bool) {
	for i := range m.owners {
		if m.owners[i].CompareAndSwap(unowned, pid) {
			return i, true
		}
	}
	return -1, false
}

// Claim claims a specific CPU for pid if it is free.
func (m *Manager) Claim(cpu int, pid int64) bool {
	return m.owners[cpu].CompareAndSwap(unowned, pid)
}

// MarkFree releases cpu back to the unowned state. Used at process
// detach when no other process wants the CPU (spec.md §4.8).
func (m *Manager) MarkFree(cpu int) error {
	if cpu < 0 || cpu >= len(m.owners) {
		return errors.Errorf("cpu %d out of range", cpu)
	}
	m.owners[cpu].Store(unowned)
	return nil
}

// Transfer hands cpu to targetPid and wakes a worker of that pid waiting
// on it, carrying handle (spec.md §4.2 "transfer(target_pid, cpu,
// task_handle)"). Used at process detach and at quantum-driven CPU
// redistribution.
func (m *Manager) Transfer(cpu int, targetPid int64, handle interface{}) error {
	if cpu < 0 || cpu >= len(m.owners) {
		return errors.Errorf("cpu %d out of range", cpu)
	}
	m.owners[cpu].Store(targetPid)
	select {
	case m.wake[cpu] <- WakeMsg{Handle: handle}:
	default:
		// A wake is already pending; the worker will observe the new
		// owner when it drains it, so dropping a redundant wake is safe.
	}
	return nil
}

// WakeChan returns the channel a worker pinned to cpu should receive
// from after a hand-off.
func (m *Manager) WakeChan(cpu int) <-chan WakeMsg {
	return m.wake[cpu]
}
