package cpumanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopFreeClaimsAndExhausts(t *testing.T) {
	m := New(2)
	cpu0, ok := m.PopFree(100)
	require.True(t, ok)
	cpu1, ok := m.PopFree(100)
	require.True(t, ok)
	assert.ElementsMatch(t, []int{0, 1}, []int{cpu0, cpu1})

	_, ok = m.PopFree(100)
	assert.False(t, ok, "no CPUs left to claim")
}

func TestOwnerReflectsClaim(t *testing.T) {
	m := New(2)
	assert.Equal(t, int64(-1), m.Owner(0))
	cpu, ok := m.PopFree(42)
	require.True(t, ok)
	assert.Equal(t, int64(42), m.Owner(cpu))
}

func TestClaimFailsIfAlreadyOwned(t *testing.T) {
	m := New(1)
	require.True(t, m.Claim(0, 1))
	assert.False(t, m.Claim(0, 2), "a CPU already owned cannot be claimed by another pid")
}

func TestMarkFreeReleasesOwnership(t *testing.T) {
	m := New(1)
	m.Claim(0, 1)
	require.NoError(t, m.MarkFree(0))
	assert.Equal(t, int64(-1), m.Owner(0))
	assert.True(t, m.Claim(0, 2), "a freed CPU can be claimed by a different pid")
}

func TestTransferChangesOwnerAndWakesTarget(t *testing.T) {
	m := New(1)
	m.Claim(0, 1)
	require.NoError(t, m.Transfer(0, 2, "task-handle"))
	assert.Equal(t, int64(2), m.Owner(0))

	select {
	case msg := <-m.WakeChan(0):
		assert.Equal(t, "task-handle", msg.Handle)
	default:
		t.Fatal("Transfer should have delivered a wake message")
	}
}

func TestOutOfRangeOperationsError(t *testing.T) {
	m := New(1)
	assert.Error(t, m.MarkFree(5))
	assert.Error(t, m.Transfer(5, 1, nil))
}
