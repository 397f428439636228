package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusyPolicyAlwaysTriesAgain(t *testing.T) {
	g := New(2, Busy, 0)
	g.MarkWaiting(0)
	for i := 0; i < 5; i++ {
		assert.Equal(t, DecisionTryAgain, g.Decide(0))
	}
	assert.Equal(t, uint64(5), g.SpinCount[0].Load())
}

func TestIdlePolicyAlwaysParks(t *testing.T) {
	g := New(2, Idle, 0)
	g.MarkWaiting(0)
	assert.Equal(t, DecisionPark, g.Decide(0))
	assert.True(t, g.Sleepers().IsSet(0))
	assert.False(t, g.Waiters().IsSet(0))
}

func TestHybridSpinsThenParks(t *testing.T) {
	g := New(2, Hybrid, 3)
	g.MarkWaiting(0)
	for i := 0; i < 3; i++ {
		assert.Equal(t, DecisionTryAgain, g.Decide(0), "spin %d should still be under threshold", i)
	}
	assert.Equal(t, DecisionPark, g.Decide(0), "spin count reached threshold: must park")
}

func TestHybridZeroThresholdBehavesLikeIdle(t *testing.T) {
	g := New(2, Hybrid, 0)
	g.MarkWaiting(0)
	assert.Equal(t, DecisionPark, g.Decide(0))
}

func TestOnServedTaskResetsSpinAndClearsBitsets(t *testing.T) {
	g := New(2, Hybrid, 5)
	g.MarkWaiting(0)
	g.Decide(0)
	g.Decide(0)
	g.OnServedTask(0)
	assert.False(t, g.Waiters().IsSet(0))
	assert.False(t, g.Sleepers().IsSet(0))

	g.MarkWaiting(0)
	for i := 0; i < 5; i++ {
		assert.Equal(t, DecisionTryAgain, g.Decide(0), "spin counter must have reset after OnServedTask")
	}
}

func TestWakeOnePrefersWaitersThenSleepers(t *testing.T) {
	g := New(2, Idle, 0)
	g.MarkWaiting(0)
	assert.False(t, g.WakeOne(), "a live waiter means nothing needs waking yet")

	g.Decide(0) // parks cpu 0
	assert.True(t, g.WakeOne(), "a parked sleeper should be woken")
	assert.False(t, g.Sleepers().IsSet(0))

	assert.False(t, g.WakeOne(), "no sleepers left: nothing to wake")
}
