package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aclements/nosv/internal/status"
)

func TestCreateRejectsNilRunAndBadDegree(t *testing.T) {
	_, err := Create("t", nil, 1, Affinity{})
	assert.Equal(t, status.ErrInvalidCallback, err)

	_, err = Create("t", func(*Context) {}, 0, Affinity{})
	assert.Equal(t, status.ErrInvalidParameter, err)
}

func TestCreateStartsInCreatedState(t *testing.T) {
	tk, err := Create("t", func(*Context) {}, 1, Affinity{})
	require.NoError(t, err)
	assert.Equal(t, Created, tk.State())
}

func TestMarkSubmittedTransitionsToReady(t *testing.T) {
	tk, err := Create("t", func(*Context) {}, 1, Affinity{})
	require.NoError(t, err)
	require.NoError(t, tk.markSubmitted())
	assert.Equal(t, Ready, tk.State())

	// Submitting twice from a non-Created state is a programmer error.
	assert.Equal(t, status.ErrInvalidOperation, tk.markSubmitted())
}

func TestBeginFinishInvocationScalarTask(t *testing.T) {
	tk, err := Create("t", func(*Context) {}, 1, Affinity{})
	require.NoError(t, err)
	require.NoError(t, tk.markSubmitted())

	id := tk.beginInvocation()
	assert.Equal(t, 0, id)
	assert.Equal(t, Running, tk.State())

	assert.Equal(t, -1, tk.beginInvocation(), "a scalar task has only one invocation to start")

	done := tk.finishInvocation()
	assert.True(t, done)
	assert.Equal(t, Completed, tk.State())

	select {
	case <-tk.waitCh:
	default:
		t.Fatal("Wait channel must be closed once a scalar task completes")
	}
}

func TestParallelDegreeExecutionIDsAreDistinctAndBounded(t *testing.T) {
	tk, err := Create("t", func(*Context) {}, 3, Affinity{})
	require.NoError(t, err)
	require.NoError(t, tk.markSubmitted())

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		id := tk.beginInvocation()
		require.NotEqual(t, -1, id)
		assert.False(t, seen[id], "execution ids must be distinct")
		seen[id] = true
	}
	assert.Equal(t, -1, tk.beginInvocation(), "a degree-3 task must refuse a 4th concurrent start")

	for i := 0; i < 2; i++ {
		assert.False(t, tk.finishInvocation(), "task is not done until all %d invocations finish", tk.Degree())
	}
	assert.True(t, tk.finishInvocation(), "the 3rd finish must complete the task")
}

func TestDestroyRequiresCompleted(t *testing.T) {
	tk, err := Create("t", func(*Context) {}, 1, Affinity{})
	require.NoError(t, err)
	assert.Equal(t, status.ErrInvalidOperation, tk.Destroy(), "destroy before completion is a programmer error")

	require.NoError(t, tk.markSubmitted())
	tk.beginInvocation()
	tk.finishInvocation()
	require.NoError(t, tk.Destroy())
	assert.Equal(t, status.ErrInvalidOperation, tk.Destroy(), "destroying twice is a programmer error")
}

func TestUnblockDecrementsAndReportsZeroCrossing(t *testing.T) {
	tk, err := Create("t", func(*Context) {}, 1, Affinity{})
	require.NoError(t, err)
	require.NoError(t, tk.markSubmitted())
	tk.beginInvocation()

	tk.mu.Lock()
	tk.blockingCount = 2
	tk.state = Paused
	tk.mu.Unlock()

	ready, err := tk.Unblock()
	require.NoError(t, err)
	assert.False(t, ready, "count is still 1: not yet ready")

	ready, err = tk.Unblock()
	require.NoError(t, err)
	assert.True(t, ready, "count reached zero: task becomes ready")
	assert.Equal(t, Ready, tk.State())

	_, err = tk.Unblock()
	assert.Equal(t, status.ErrInvalidOperation, err, "unblocking a task with no outstanding block is a programmer error")
}

func TestContextNilReceiverReturnsOutsideTask(t *testing.T) {
	var ctx *Context
	_, err := ctx.Task()
	assert.Equal(t, status.ErrOutsideTask, err)
	_, err = ctx.ExecutionID()
	assert.Equal(t, status.ErrOutsideTask, err)
	_, err = ctx.CPU()
	assert.Equal(t, status.ErrOutsideTask, err)
	assert.Equal(t, status.ErrOutsideTask, ctx.Pause())
	assert.Equal(t, status.ErrOutsideTask, ctx.Yield())
	assert.Equal(t, status.ErrOutsideTask, ctx.Submit(nil))
	assert.Equal(t, status.ErrOutsideTask, ctx.Resubmit(nil))
}

func TestWakeInPlaceResumesParkedGoroutine(t *testing.T) {
	tk, err := Create("t", func(*Context) {}, 1, Affinity{})
	require.NoError(t, err)
	require.NoError(t, tk.markSubmitted())
	tk.beginInvocation()

	tk.mu.Lock()
	tk.gate = make(chan struct{})
	tk.state = Paused
	gate := tk.gate
	tk.mu.Unlock()

	resumed := make(chan struct{})
	go func() {
		<-gate
		close(resumed)
	}()

	tk.WakeInPlace()
	<-resumed
	assert.Equal(t, Running, tk.State())
	assert.True(t, tk.resuming() == false, "gate is cleared once woken")
}
