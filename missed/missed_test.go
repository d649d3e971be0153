// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package missed

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cpuprof/prd"
)

func TestNew(t *testing.T) {
	_, err := New(0, 1)
	require.Error(t, err)
	_, err = New(1, 0)
	require.Error(t, err)

	c, err := New(4, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, c.NumConfigs())
	assert.Zero(t, c.Total())
}

func TestIncrementAndDrain(t *testing.T) {
	c, err := New(2, 2)
	require.NoError(t, err)

	c.IncrementMissed(0, 0)
	c.IncrementMissed(0, 0)
	c.IncrementMissed(1, 1)
	// Out of range counters are ignored.
	c.IncrementMissed(2, 0)
	c.IncrementMissed(0, 2)
	c.IncrementMissed(-1, 0)

	assert.EqualValues(t, 3, c.Total())
	assert.EqualValues(t, 2, c.Load(0, 0))
	assert.EqualValues(t, 2, c.DrainAndReset(0, 0))
	assert.Zero(t, c.DrainAndReset(0, 0))
	assert.Zero(t, c.DrainAndReset(5, 5))
	assert.EqualValues(t, 1, c.Total())
}

func TestSaturation(t *testing.T) {
	c, err := New(1, 1)
	require.NoError(t, err)

	c.counts[0].Store(math.MaxUint32 - 1)
	c.IncrementMissed(0, 0)
	c.IncrementMissed(0, 0)
	c.IncrementMissed(0, 0)
	assert.EqualValues(t, uint32(math.MaxUint32), c.Load(0, 0))
}

func TestIncrementMatching(t *testing.T) {
	c, err := New(2, 2)
	require.NoError(t, err)
	timer := Key{Type: prd.ConfigTimer, ControlValue: 1e6}
	event := Key{Type: prd.ConfigEvent, ResourceID: 3, ControlValue: 0x530076}
	c.SetKey(0, timer)
	c.SetKey(1, event)
	c.SetKey(7, timer)

	assert.Equal(t, event, c.Key(1))
	assert.Equal(t, Key{}, c.Key(7))

	assert.True(t, c.IncrementMatching(1, event))
	assert.True(t, c.IncrementMatching(0, timer))
	assert.False(t, c.IncrementMatching(0, Key{Type: prd.ConfigEvent, ResourceID: 4}))

	assert.EqualValues(t, 1, c.Load(1, 1))
	assert.EqualValues(t, 1, c.Load(0, 0))
}

func TestAggregate(t *testing.T) {
	c, err := New(4, 1)
	require.NoError(t, err)
	for core := range 4 {
		for range core + 1 {
			c.IncrementMissed(core, 0)
		}
	}

	tests := []struct {
		name string
		mask uint64
		want uint64
	}{
		{name: "cores 0 and 2", mask: 0b0101, want: 1 + 3},
		// Already drained cores count zero.
		{name: "core 0 again", mask: 0b0001, want: 0},
		{name: "all remaining", mask: 0, want: 2 + 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Aggregate(0, tc.mask))
		})
	}
	assert.Zero(t, c.Total())
}

func TestConcurrentIncrement(t *testing.T) {
	const cores, perCore = 8, 10000
	c, err := New(cores, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for core := range cores {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perCore {
				c.IncrementMissed(core, 0)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, cores*perCore, c.Total())
	assert.EqualValues(t, cores*perCore, c.Aggregate(0, 0))
}
