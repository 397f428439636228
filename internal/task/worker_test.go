package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aclements/nosv/internal/bitset"
	"github.com/aclements/nosv/internal/cpumanager"
	"github.com/aclements/nosv/internal/delegation"
	"github.com/aclements/nosv/internal/governor"
	"github.com/aclements/nosv/internal/scheduler"
	"github.com/aclements/nosv/internal/topology"
)

// singleCPUPlatform gives worker tests a minimal one-CPU topology without
// pulling in the real /sys/proc-backed platform_linux.go.
type singleCPUPlatform struct{}

func (singleCPUPlatform) ValidCPUs(binding string) (bitset.Set, error) {
	s := bitset.New(8)
	s.Set(0)
	return s, nil
}
func (singleCPUPlatform) ThreadSiblings(cpu int) (bitset.Set, error) {
	s := bitset.New(8)
	s.Set(0)
	return s, nil
}
func (singleCPUPlatform) NUMANodes() ([]bitset.Set, error) { return nil, nil }

func newWorkerHarness(t *testing.T) (*Worker, func()) {
	t.Helper()
	tree, err := topology.Build(singleCPUPlatform{}, topology.Config{Binding: "all"})
	require.NoError(t, err)

	sched := scheduler.New(tree, scheduler.Config{
		QuantumNS: 0, QueueBatch: 8, CPUsPerQueue: 1, InQueueSize: 16, ImmediateSuccessor: true,
	})
	lock := delegation.New(1)
	gov := governor.New(1, governor.Busy, 0)
	cpus := cpumanager.New(1)
	require.True(t, cpus.Claim(0, 1))

	w := NewWorker(0, 1, lock, gov, cpus, sched)
	stop := make(chan struct{})
	go w.Run(stop)
	return w, func() { close(stop) }
}

func TestWorkerRunsSubmittedTaskToCompletion(t *testing.T) {
	w, stopFn := newWorkerHarness(t)
	defer stopFn()

	ran := make(chan int, 1)
	tk, err := Create("probe", func(ctx *Context) {
		cpu, _ := ctx.CPU()
		ran <- cpu
	}, 1, Affinity{})
	require.NoError(t, err)
	require.NoError(t, w.submit(tk, false))

	select {
	case cpu := <-ran:
		assert.Equal(t, 0, cpu)
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	tk.Wait()
	assert.Equal(t, Completed, tk.State())
}

func TestWorkerParallelDegreeRunsAllInvocations(t *testing.T) {
	w, stopFn := newWorkerHarness(t)
	defer stopFn()

	seen := make(chan int, 3)
	tk, err := Create("probe", func(ctx *Context) {
		id, _ := ctx.ExecutionID()
		seen <- id
	}, 3, Affinity{})
	require.NoError(t, err)
	require.NoError(t, w.submit(tk, false))

	ids := map[int]bool{}
	for i := 0; i < 3; i++ {
		select {
		case id := <-seen:
			ids[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 3 invocations ran", len(ids))
		}
	}
	assert.Len(t, ids, 3)
	tk.Wait()
}

func TestWorkerPauseThenUnblockResumesInPlace(t *testing.T) {
	w, stopFn := newWorkerHarness(t)
	defer stopFn()

	resumed := make(chan struct{})
	tk, err := Create("probe", func(ctx *Context) {
		if err := ctx.Pause(); err != nil {
			t.Errorf("pause: %v", err)
			return
		}
		close(resumed)
	}, 1, Affinity{})
	require.NoError(t, err)
	require.NoError(t, w.submit(tk, false))

	require.Eventually(t, func() bool {
		return tk.State() == Paused
	}, 2*time.Second, time.Millisecond, "task must park in Paused while blocked")

	ready, err := tk.Unblock()
	require.NoError(t, err)
	require.True(t, ready)

	// Resuming an already-started body skips markSubmitted/Submit (those
	// are for a task's first submission); hand it straight to the
	// scheduler the way Context.Resubmit does.
	w.sched.Submit(w.cpu, tk)
	w.gov.WakeOne()

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("task never resumed after unblock")
	}
	tk.Wait()
	assert.Equal(t, Completed, tk.State())
}

func TestWorkerYieldReturnsToReadyThenCompletes(t *testing.T) {
	w, stopFn := newWorkerHarness(t)
	defer stopFn()

	yields := make(chan struct{}, 1)
	tk, err := Create("probe", func(ctx *Context) {
		if err := ctx.Yield(); err != nil {
			t.Errorf("yield: %v", err)
			return
		}
		yields <- struct{}{}
	}, 1, Affinity{})
	require.NoError(t, err)
	require.NoError(t, w.submit(tk, false))

	select {
	case <-yields:
	case <-time.After(2 * time.Second):
		t.Fatal("yielded task never resumed")
	}
	tk.Wait()
	assert.Equal(t, Completed, tk.State())
}

// dualCPUPlatform gives the quantum-expiry test two independent cores so a
// second worker can keep draining the scheduler's queues while the first is
// pinned inside a long-running task's invocation.
type dualCPUPlatform struct{}

func (dualCPUPlatform) ValidCPUs(binding string) (bitset.Set, error) {
	s := bitset.New(8)
	s.Set(0)
	s.Set(1)
	return s, nil
}
func (dualCPUPlatform) ThreadSiblings(cpu int) (bitset.Set, error) {
	s := bitset.New(8)
	s.Set(cpu)
	return s, nil
}
func (dualCPUPlatform) NUMANodes() ([]bitset.Set, error) { return nil, nil }

// TestQuantumExpiryFlagObservedByRunningTask exercises spec.md §4.5 point 3
// and §4.7 end to end: a long-running task pinned to CPU 0 must see
// Context.QuantumExpired turn true once the configured quantum elapses while
// a second, strictly-affine task is waiting for that same CPU. CPU 1's
// worker has nothing of its own to dispatch (the waiter is strict to core 0)
// so it spends the whole test busy-spinning as lock holder, which is what
// keeps draining the waiter into the scheduler's ready lists for
// HasReadyFor to see.
func TestQuantumExpiryFlagObservedByRunningTask(t *testing.T) {
	tree, err := topology.Build(dualCPUPlatform{}, topology.Config{Binding: "all"})
	require.NoError(t, err)

	sched := scheduler.New(tree, scheduler.Config{
		QuantumNS: int64(20 * time.Millisecond), QueueBatch: 8, CPUsPerQueue: 1, InQueueSize: 16, ImmediateSuccessor: true,
	})
	lock := delegation.New(2)
	gov := governor.New(2, governor.Busy, 0)
	cpus := cpumanager.New(2)
	require.True(t, cpus.Claim(0, 1))
	require.True(t, cpus.Claim(1, 1))

	core0 := Affinity{Level: topology.LevelCore, LogicalID: 0, Strict: true, Set: true}

	sawExpired := make(chan struct{}, 1)
	long, err := Create("long", func(ctx *Context) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if expired, _ := ctx.QuantumExpired(); expired {
				sawExpired <- struct{}{}
				return
			}
			time.Sleep(time.Millisecond)
		}
	}, 1, core0)
	require.NoError(t, err)

	waiter, err := Create("waiter", func(*Context) {}, 1, core0)
	require.NoError(t, err)

	// Both tasks are filed before either worker starts running, so the
	// first DrainAll pass sees them together: HasReadyFor(0) is already
	// true by the time the long task is dispatched and its quantum timer
	// starts, rather than racing a second worker to drain the waiter in.
	require.NoError(t, Submit(sched, gov, 0, long))
	require.NoError(t, Submit(sched, gov, 1, waiter))

	w0 := NewWorker(0, 1, lock, gov, cpus, sched)
	w1 := NewWorker(1, 1, lock, gov, cpus, sched)
	stop := make(chan struct{})
	defer close(stop)
	go w0.Run(stop)
	go w1.Run(stop)

	select {
	case <-sawExpired:
	case <-time.After(3 * time.Second):
		t.Fatal("running task never observed quantum expiry")
	}
}

func TestPackageLevelSubmitRejectsAlreadySubmittedTask(t *testing.T) {
	tree, err := topology.Build(singleCPUPlatform{}, topology.Config{Binding: "all"})
	require.NoError(t, err)
	sched := scheduler.New(tree, scheduler.Config{QuantumNS: 0, QueueBatch: 8, CPUsPerQueue: 1, InQueueSize: 16})
	gov := governor.New(1, governor.Busy, 0)

	tk, err := Create("probe", func(*Context) {}, 1, Affinity{})
	require.NoError(t, err)
	require.NoError(t, Submit(sched, gov, 0, tk))
	assert.Error(t, Submit(sched, gov, 0, tk), "submitting the same task twice must fail")
}
