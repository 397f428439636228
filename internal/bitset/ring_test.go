package bitset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingPushPopFIFO(t *testing.T) {
	r := NewRing(4)
	require.Equal(t, 4, r.Cap())

	require.True(t, r.Push(1))
	require.True(t, r.Push(2))
	require.True(t, r.Push(3))
	require.True(t, r.Push(4))
	assert.False(t, r.Push(5), "ring should be full at capacity")

	for _, want := range []int{1, 2, 3, 4} {
		v, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
	_, ok := r.Pop()
	assert.False(t, ok, "empty ring should report false")
}

func TestRingRoundsUpToPowerOfTwo(t *testing.T) {
	r := NewRing(3)
	assert.Equal(t, 4, r.Cap())
}

func TestRingSPSCConcurrent(t *testing.T) {
	r := NewRing(8)
	const n = 10000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for !r.Push(i) {
			}
		}
	}()
	got := make([]int, 0, n)
	go func() {
		defer wg.Done()
		for len(got) < n {
			if v, ok := r.Pop(); ok {
				got = append(got, v.(int))
			}
		}
	}()
	wg.Wait()

	for i, v := range got {
		assert.Equal(t, i, v, "ring must preserve FIFO order under concurrent push/pop")
	}
}
