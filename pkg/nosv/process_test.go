package nosv

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aclements/nosv/internal/bitset"
	"github.com/aclements/nosv/internal/cpumanager"
	"github.com/aclements/nosv/internal/status"
	"github.com/aclements/nosv/internal/topology"
)

// fakePlatform gives these tests a deterministic flat topology without
// touching the real /sys/proc-backed platform_linux.go.
type fakePlatform struct{ numCPU int }

func (f fakePlatform) ValidCPUs(binding string) (bitset.Set, error) {
	s := bitset.New(64)
	for i := 0; i < f.numCPU; i++ {
		s.Set(i)
	}
	return s, nil
}
func (f fakePlatform) ThreadSiblings(cpu int) (bitset.Set, error) {
	s := bitset.New(64)
	s.Set(cpu)
	return s, nil
}
func (fakePlatform) NUMANodes() ([]bitset.Set, error) { return nil, nil }

// newTestProcess builds a *Process the way newProcess does internally,
// bypassing Attach/AttachRemote's real platform discovery and daemon dial
// so these tests are hermetic.
func newTestProcess(t *testing.T, numCPU, claim int) *Process {
	t.Helper()
	tree, err := topology.Build(fakePlatform{numCPU: numCPU}, topology.Config{Binding: "all"})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Governor.Policy = "busy"

	cpus := cpumanager.New(tree.NumCPUs())
	pid := int64(1)
	var granted []int
	for i := 0; i < claim; i++ {
		cpu, ok := cpus.PopFree(pid)
		require.True(t, ok)
		granted = append(granted, cpu)
	}
	return newProcess(pid, cfg, tree, cpus, granted)
}

func TestCreateSubmitWaitDestroyTask(t *testing.T) {
	p := newTestProcess(t, 2, 2)
	defer p.Detach()

	ran := make(chan struct{})
	tk, err := p.CreateTask("probe", func(ctx *Context) {
		close(ran)
	}, 1, Affinity{})
	require.NoError(t, err)
	assert.Equal(t, 1, p.TaskCount())

	require.NoError(t, p.SubmitTask(tk, -1))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task body never ran")
	}
	p.WaitTask(tk)

	require.NoError(t, p.DestroyTask(tk))
	assert.Equal(t, 0, p.TaskCount())
	assert.Equal(t, status.ErrInvalidOperation, p.DestroyTask(tk), "destroying twice is a programmer error")
}

func TestSubmitTaskFailsWithNoOwnedCPUs(t *testing.T) {
	p := newTestProcess(t, 2, 0)
	defer p.Detach()

	tk, err := p.CreateTask("probe", func(*Context) {}, 1, Affinity{})
	require.NoError(t, err)
	assert.Equal(t, status.ErrNotInitialized, p.SubmitTask(tk, -1))
}

func TestNumCPUReflectsGrant(t *testing.T) {
	p := newTestProcess(t, 4, 3)
	defer p.Detach()
	assert.Equal(t, 3, p.NumCPU())
}

func TestReportStatsIsNoOpWithoutDaemon(t *testing.T) {
	p := newTestProcess(t, 1, 1)
	defer p.Detach()
	assert.NoError(t, p.ReportStats())
}

func TestDetachStopsWorkersAndFreesCPUs(t *testing.T) {
	p := newTestProcess(t, 1, 1)
	owned := p.NumCPU()
	require.Equal(t, 1, owned)

	require.NoError(t, p.Detach())
	assert.Equal(t, int64(-1), p.cpus.Owner(0))
}

func TestMutexSerializesAcrossTwoTasksOnSeparateCPUs(t *testing.T) {
	p := newTestProcess(t, 2, 2)
	defer p.Detach()

	m := p.NewMutex()
	var mu sync.Mutex
	var order []int
	record := func(id int) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}

	firstHeld := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{}, 2)

	holder, err := p.CreateTask("holder", func(ctx *Context) {
		if err := m.Lock(ctx); err != nil {
			t.Errorf("holder Lock: %v", err)
			return
		}
		record(1)
		close(firstHeld)
		<-release
		if err := m.Unlock(ctx); err != nil {
			t.Errorf("holder Unlock: %v", err)
		}
		done <- struct{}{}
	}, 1, Affinity{})
	require.NoError(t, err)

	waiter, err := p.CreateTask("waiter", func(ctx *Context) {
		if err := m.Lock(ctx); err != nil {
			t.Errorf("waiter Lock: %v", err)
			return
		}
		record(2)
		if err := m.Unlock(ctx); err != nil {
			t.Errorf("waiter Unlock: %v", err)
		}
		done <- struct{}{}
	}, 1, Affinity{})
	require.NoError(t, err)

	require.NoError(t, p.SubmitTask(holder, 0))
	select {
	case <-firstHeld:
	case <-time.After(2 * time.Second):
		t.Fatal("holder never acquired the mutex")
	}

	require.NoError(t, p.SubmitTask(waiter, 1))
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("mutex-guarded tasks never completed")
		}
	}
	assert.Equal(t, []int{1, 2}, order)
}
