package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferFIFO(t *testing.T) {
	r := NewRingBuffer[int](4)
	for i := 0; i < 4; i++ {
		require.True(t, r.Push(i))
	}
	assert.False(t, r.Push(99), "push into full ring must fail")

	for i := 0; i < 4; i++ {
		v, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := r.Pop()
	assert.False(t, ok)
}

func TestRingBufferCapacityRounding(t *testing.T) {
	r := NewRingBuffer[int](5)
	assert.Equal(t, 8, r.Cap())
}

func TestRingBufferSPSC(t *testing.T) {
	const n = 100000
	r := NewRingBuffer[int](1024)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if r.Push(i) {
				i++
			}
		}
	}()

	var got []int
	go func() {
		defer wg.Done()
		for len(got) < n {
			if v, ok := r.Pop(); ok {
				got = append(got, v)
			}
		}
	}()
	wg.Wait()

	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}
