// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package lockfree

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingCapacity(t *testing.T) {
	tests := map[string]struct {
		size     int
		capacity int
		err      bool
	}{
		"zero":          {size: 0, err: true},
		"negative":      {size: -3, err: true},
		"one":           {size: 1, capacity: 1},
		"power of two":  {size: 8, capacity: 8},
		"rounded up":    {size: 9, capacity: 16},
		"odd rounds up": {size: 3, capacity: 4},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r, err := NewRing[int](tc.size)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.capacity, r.Cap())
		})
	}
}

func TestRingFifoOrder(t *testing.T) {
	r, err := NewRing[int](4)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		require.True(t, r.Push(i))
	}
	assert.False(t, r.Push(5), "push into a full ring must fail")
	assert.Equal(t, 4, r.Len())

	for i := 1; i <= 4; i++ {
		v, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := r.Pop()
	assert.False(t, ok)

	// Wrap around several times.
	for round := 0; round < 10; round++ {
		require.True(t, r.Push(round))
		v, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, round, v)
	}
}

func TestRingConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 1000

	r, err := NewRing[int](producers * perProducer)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.True(t, r.Push(p*perProducer+i))
			}
		}(p)
	}
	wg.Wait()

	// Every value shows up exactly once and per-producer order is kept.
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	seen := 0
	for {
		v, ok := r.Pop()
		if !ok {
			break
		}
		p, i := v/perProducer, v%perProducer
		assert.Greater(t, i, last[p])
		last[p] = i
		seen++
	}
	assert.Equal(t, producers*perProducer, seen)
}
