// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package bufferpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := map[string]struct {
		maxBuffers int
		capacity   int
		wantErr    bool
	}{
		"valid":         {maxBuffers: 8, capacity: 16},
		"no buffers":    {maxBuffers: 0, capacity: 16, wantErr: true},
		"no capacity":   {maxBuffers: 8, capacity: 0, wantErr: true},
		"too many":      {maxBuffers: 1<<20 + 1, capacity: 1, wantErr: true},
		"single buffer": {maxBuffers: 1, capacity: 1},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := New(tc.maxBuffers, tc.capacity)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.maxBuffers, p.MaxBuffers())
			assert.Equal(t, tc.capacity, p.BufferCapacity())
			assert.Equal(t, NoBuffer, p.Acquire())
		})
	}
}

func TestReserveIsAllOrNothing(t *testing.T) {
	p, err := New(4, 8)
	require.NoError(t, err)

	require.NoError(t, p.Reserve(3))
	assert.Equal(t, 3, p.FreeCount())
	assert.Equal(t, 3, p.Reserved())

	require.Error(t, p.Reserve(2))
	assert.Equal(t, 3, p.FreeCount())
	assert.Equal(t, 3, p.Reserved())
	require.Error(t, p.Reserve(0))

	require.NoError(t, p.Reserve(1))
	assert.Equal(t, 4, p.FreeCount())
}

func TestAcquireRelease(t *testing.T) {
	p, err := New(4, 8)
	require.NoError(t, err)
	require.NoError(t, p.Reserve(2))

	a := p.Acquire()
	b := p.Acquire()
	require.NotEqual(t, NoBuffer, a)
	require.NotEqual(t, NoBuffer, b)
	assert.NotEqual(t, a, b)
	assert.NotNil(t, p.Buffer(a))
	assert.Equal(t, 8, p.Buffer(a).Cap())
	assert.Equal(t, NoBuffer, p.Acquire())
	assert.Zero(t, p.FreeCount())

	assert.True(t, p.Release(a))
	assert.False(t, p.Release(a), "double release")
	assert.False(t, p.Release(NoBuffer))
	assert.False(t, p.Release(3), "never reserved")
	assert.Equal(t, 1, p.FreeCount())

	// LIFO order.
	assert.True(t, p.Release(b))
	assert.Equal(t, b, p.Acquire())
	assert.Equal(t, a, p.Acquire())
	assert.Nil(t, p.Buffer(NoBuffer))
}

func TestFree(t *testing.T) {
	p, err := New(8, 8)
	require.NoError(t, err)
	require.NoError(t, p.Reserve(5))

	held := p.Acquire()
	assert.Equal(t, 2, p.Free(2))
	assert.Equal(t, 2, p.FreeCount())
	assert.Equal(t, 2, p.Free(10))
	assert.Zero(t, p.FreeCount())
	assert.Equal(t, 1, p.Reserved())

	// Buffers in use are not freed until they come back.
	assert.NotNil(t, p.Buffer(held))
	assert.True(t, p.Release(held))
	assert.Equal(t, 1, p.Free(1))
	assert.Zero(t, p.Reserved())
	assert.Nil(t, p.Buffer(held))

	// Freed slots can be reserved again.
	require.NoError(t, p.Reserve(8))
	assert.Equal(t, 8, p.FreeCount())
}

// TestPoolConservation checks that concurrent producers and a consumer never
// lose or duplicate a buffer.
func TestPoolConservation(t *testing.T) {
	const (
		reserved  = 16
		producers = 8
		rounds    = 2000
	)
	p, err := New(32, 4)
	require.NoError(t, err)
	require.NoError(t, p.Reserve(reserved))

	queue := make(chan Handle, reserved)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired = make(map[Handle]bool)
		dupes    int
	)

	var consumer sync.WaitGroup
	consumer.Add(1)
	go func() {
		defer consumer.Done()
		for h := range queue {
			mu.Lock()
			delete(acquired, h)
			mu.Unlock()
			p.Release(h)
		}
	}()

	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				h := p.Acquire()
				if h == NoBuffer {
					continue
				}
				mu.Lock()
				if acquired[h] {
					dupes++
				}
				acquired[h] = true
				mu.Unlock()
				queue <- h
			}
		}()
	}
	wg.Wait()
	close(queue)
	consumer.Wait()

	assert.Zero(t, dupes)
	assert.Equal(t, reserved, p.FreeCount())
	assert.Equal(t, reserved, p.Reserved())

	seen := make(map[Handle]bool)
	for h := p.Acquire(); h != NoBuffer; h = p.Acquire() {
		assert.False(t, seen[h])
		seen[h] = true
	}
	assert.Len(t, seen, reserved)
}
