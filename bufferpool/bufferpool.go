// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package bufferpool implements the pool of sample buffers shared by all
// producer cores and the reaper.
//
// Buffers live in a fixed arena and are referred to by Handle. The free list
// is a lock-free stack of handles. Its head carries a tag that is bumped on
// every update, which rules out ABA when a handle is popped and pushed back
// between another core's load and compare-and-swap.
package bufferpool // import "go.opentelemetry.io/cpuprof/bufferpool"

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/cpuprof/samplebuf"
)

// Handle identifies a buffer of a Pool.
type Handle int32

// NoBuffer is the Handle of no buffer.
const NoBuffer Handle = -1

// DefaultMaxBuffers is the default size of the arena.
const DefaultMaxBuffers = 256

// Pool hands out buffers to producers and takes them back from the reaper.
type Pool struct {
	capacity int
	buffers  []*samplebuf.Buffer

	// next links free handles, stored as index+1 so that zero ends the list.
	next []atomic.Uint32
	// free marks handles that are on the free list.
	free []atomic.Bool
	// head is tag<<32 | index+1 of the first free handle.
	head atomic.Uint64

	freeCount atomic.Int32
	reserved  atomic.Int32

	// mu serializes Reserve and Free.
	mu sync.Mutex
}

// New returns an empty Pool that can hold up to maxBuffers buffers of
// capacity records each.
func New(maxBuffers, capacity int) (*Pool, error) {
	if maxBuffers <= 0 || maxBuffers > 1<<20 {
		return nil, fmt.Errorf("invalid number of buffers %d", maxBuffers)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid buffer capacity %d", capacity)
	}
	return &Pool{
		capacity: capacity,
		buffers:  make([]*samplebuf.Buffer, maxBuffers),
		next:     make([]atomic.Uint32, maxBuffers),
		free:     make([]atomic.Bool, maxBuffers),
	}, nil
}

// MaxBuffers returns the size of the arena.
func (p *Pool) MaxBuffers() int {
	return len(p.buffers)
}

// BufferCapacity returns the number of records per buffer.
func (p *Pool) BufferCapacity() int {
	return p.capacity
}

// Reserve allocates count buffers and puts them on the free list. Either all
// of them are added or, if the arena has no room for count more buffers,
// none.
func (p *Pool) Reserve(count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if count <= 0 {
		return fmt.Errorf("invalid number of buffers %d", count)
	}
	slots := make([]int, 0, count)
	for i := range p.buffers {
		if len(slots) == count {
			break
		}
		if p.buffers[i] == nil {
			slots = append(slots, i)
		}
	}
	if len(slots) < count {
		return fmt.Errorf("cannot reserve %d buffers, %d of %d in use",
			count, p.reserved.Load(), len(p.buffers))
	}

	for _, i := range slots {
		buf, err := samplebuf.New(p.capacity)
		if err != nil {
			// Undo the allocations of this call.
			for _, j := range slots {
				p.buffers[j] = nil
			}
			return err
		}
		p.buffers[i] = buf
	}
	for _, i := range slots {
		p.reserved.Add(1)
		p.push(Handle(i))
	}
	return nil
}

// Free removes up to count buffers from the free list and releases them. It
// returns the number of buffers freed.
func (p *Pool) Free(count int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	freed := 0
	for freed < count {
		h := p.Acquire()
		if h == NoBuffer {
			break
		}
		p.buffers[h] = nil
		p.reserved.Add(-1)
		freed++
	}
	return freed
}

// Acquire pops a free buffer. It returns NoBuffer if the pool is exhausted.
func (p *Pool) Acquire() Handle {
	for {
		old := p.head.Load()
		idx := uint32(old)
		if idx == 0 {
			return NoBuffer
		}
		h := Handle(idx - 1)
		next := p.next[h].Load()
		if p.head.CompareAndSwap(old, tagged(old, next)) {
			p.free[h].Store(false)
			p.freeCount.Add(-1)
			return h
		}
	}
}

// Release pushes h back on the free list. It returns false if h is not a
// reserved buffer or is already free.
func (p *Pool) Release(h Handle) bool {
	if h < 0 || int(h) >= len(p.buffers) || p.buffers[h] == nil {
		return false
	}
	if !p.free[h].CompareAndSwap(false, true) {
		return false
	}
	p.push(h)
	return true
}

func (p *Pool) push(h Handle) {
	p.free[h].Store(true)
	for {
		old := p.head.Load()
		p.next[h].Store(uint32(old))
		if p.head.CompareAndSwap(old, tagged(old, uint32(h)+1)) {
			p.freeCount.Add(1)
			return
		}
	}
}

// tagged returns a new head value pointing at idx with the tag of old bumped.
func tagged(old uint64, idx uint32) uint64 {
	return (old>>32+1)<<32 | uint64(idx)
}

// Buffer returns the buffer of h.
func (p *Pool) Buffer(h Handle) *samplebuf.Buffer {
	if h < 0 || int(h) >= len(p.buffers) {
		return nil
	}
	return p.buffers[h]
}

// FreeCount returns the number of buffers on the free list.
func (p *Pool) FreeCount() int {
	return int(p.freeCount.Load())
}

// Reserved returns the number of allocated buffers.
func (p *Pool) Reserved() int {
	return int(p.reserved.Load())
}
