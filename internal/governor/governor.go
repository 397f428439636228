// Package governor implements the spin->sleep policy of spec.md §4.4: on
// each server-loop pass, a waiter that finds no task is either told to
// retry immediately (spin), or told to park on its wakeup channel
// (spec.md's futex stand-in: a parked internal/task.Worker receives from
// WaitChan, and also from internal/cpumanager.Manager.WakeChan for CPU
// hand-offs).
package governor

import (
	"sync"
	"sync/atomic"

	"github.com/aclements/nosv/internal/bitset"
)

// Policy selects the governor's spin/sleep strategy.
type Policy int

const (
	Busy Policy = iota
	Idle
	Hybrid
)

// Decision is what the governor tells the server loop to publish into a
// served waiter's delegation slot.
type Decision int

const (
	DecisionTryAgain Decision = iota
	DecisionPark
)

// Governor tracks, per CPU, whether it is actively contending the
// delegation lock ("waiter") or parked on its wakeup channel
// ("sleeper"), plus a spin counter used by the hybrid policy.
type Governor struct {
	policy    Policy
	threshold int

	mu       sync.Mutex
	waiters  bitset.Set
	sleepers bitset.Set
	spins    []int
	wakeCh   []chan struct{}

	// Telemetry (SPEC_FULL "Governor telemetry counters"): plain
	// exported counters, per CPU for spins and parks and one overall
	// count of wake-one signals. No wire action reports them.
	SpinCount []atomic.Uint64
	ParkCount []atomic.Uint64
	WakeCount atomic.Uint64
}

// New returns a Governor for numCPU CPUs under the given policy. spins
// is the hybrid spin threshold (spec.md §6 governor.spins); it is
// ignored for Busy and Idle. A threshold of 0 makes Hybrid behave
// exactly like Idle (spec.md §8 "Governor hybrid with threshold 0").
func New(numCPU int, policy Policy, spins int) *Governor {
	g := &Governor{
		policy:    policy,
		threshold: spins,
		waiters:   bitset.New(numCPU),
		sleepers:  bitset.New(numCPU),
		spins:     make([]int, numCPU),
		wakeCh:    make([]chan struct{}, numCPU),
		SpinCount: make([]atomic.Uint64, numCPU),
		ParkCount: make([]atomic.Uint64, numCPU),
	}
	for i := range g.wakeCh {
		g.wakeCh[i] = make(chan struct{}, 1)
	}
	return g
}

// MarkWaiting records that cpu is now contending the delegation lock
// (blocked in delegation.Lock.Acquire, not yet served).
func (g *Governor) MarkWaiting(cpu int) {
	g.mu.Lock()
	g.waiters.Set(cpu)
	g.sleepers.Clear(cpu)
	g.mu.Unlock()
}

// Decide is called by the server loop for a waiter that has no task to
// hand out. It returns whether that waiter should be told to retry
// immediately or park, and updates the spin counter and waiters/
// sleepers bitsets accordingly.
func (g *Governor) Decide(cpu int) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.policy {
	case Busy:
		g.SpinCount[cpu].Add(1)
		return DecisionTryAgain
	case Idle:
		g.waiters.Clear(cpu)
		g.sleepers.Set(cpu)
		g.ParkCount[cpu].Add(1)
		return DecisionPark
	default: // Hybrid
		if g.spins[cpu] < g.threshold {
			g.spins[cpu]++
			g.SpinCount[cpu].Add(1)
			return DecisionTryAgain
		}
		g.waiters.Clear(cpu)
		g.sleepers.Set(cpu)
		g.ParkCount[cpu].Add(1)
		return DecisionPark
	}
}

// OnServedTask resets cpu's spin counter and clears it from both
// bitsets: a waiter that received an actual task is neither spinning
// nor sleeping any more (spec.md §4.4 "A served waiter resets its
// counter").
func (g *Governor) OnServedTask(cpu int) {
	g.mu.Lock()
	g.spins[cpu] = 0
	g.waiters.Clear(cpu)
	g.sleepers.Clear(cpu)
	g.mu.Unlock()
}

// WaitChan returns the channel cpu should receive from while parked.
func (g *Governor) WaitChan(cpu int) <-chan struct{} {
	return g.wakeCh[cpu]
}

// WakeOne implements spec.md §4.4's wake-one: on task submission or
// process shutdown, prefer waking a CPU that is still live in the lock
// (nothing to do — the next server-loop pass reaches it on its own) and
// otherwise wake a parked sleeper. It reports whether a sleeper was
// actively signalled.
func (g *Governor) WakeOne() bool {
	g.mu.Lock()
	if !g.waiters.Empty() {
		g.mu.Unlock()
		return false
	}
	var target = -1
	g.sleepers.Range(func(cpu int) {
		if target == -1 {
			target = cpu
		}
	})
	if target == -1 {
		g.mu.Unlock()
		return false
	}
	g.sleepers.Clear(target)
	g.mu.Unlock()

	g.WakeCount.Add(1)
	select {
	case g.wakeCh[target] <- struct{}{}:
	default:
	}
	return true
}

// Waiters returns a snapshot of the CPUs currently live in the lock.
func (g *Governor) Waiters() bitset.Set {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Clone()
}

// Sleepers returns a snapshot of the CPUs currently parked.
func (g *Governor) Sleepers() bitset.Set {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sleepers.Clone()
}
