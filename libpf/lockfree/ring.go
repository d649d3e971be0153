// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package lockfree provides a bounded multi-producer multi-consumer FIFO that
// never blocks and never allocates after construction.
package lockfree // import "go.opentelemetry.io/cpuprof/libpf/lockfree"

import (
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/cpuprof/util"
)

type cell[T any] struct {
	seq atomic.Uint64
	val T
}

// Ring is a bounded FIFO based on per-cell sequence numbers. Push and Pop are
// lock-free. Elements are popped in the order their Push calls were linearized,
// which is the order in which producers won the tail.
type Ring[T any] struct {
	cells []cell[T]
	mask  uint64

	_    [56]byte
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
}

// NewRing returns a Ring that can hold at least size elements. The capacity
// is rounded up to the next power of two.
func NewRing[T any](size int) (*Ring[T], error) {
	if size <= 0 || uint64(size) > 1<<31 {
		return nil, fmt.Errorf("unsupported ring size: %d", size)
	}
	capacity := uint64(util.NextPowerOfTwo(uint32(size)))
	r := &Ring[T]{
		cells: make([]cell[T], capacity),
		mask:  capacity - 1,
	}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}
	return r, nil
}

// Cap returns the number of elements the ring can hold.
func (r *Ring[T]) Cap() int {
	return len(r.cells)
}

// Len returns an approximation of the number of queued elements.
func (r *Ring[T]) Len() int {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Push appends v. It returns false if the ring is full.
func (r *Ring[T]) Push(v T) bool {
	pos := r.tail.Load()
	for {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		switch diff := int64(seq) - int64(pos); {
		case diff == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = r.tail.Load()
		case diff < 0:
			return false
		default:
			pos = r.tail.Load()
		}
	}
}

// Pop removes the oldest element. It returns false if the ring is empty.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	pos := r.head.Load()
	for {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		switch diff := int64(seq) - int64(pos+1); {
		case diff == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				v := c.val
				c.val = zero
				c.seq.Store(pos + r.mask + 1)
				return v, true
			}
			pos = r.head.Load()
		case diff < 0:
			return zero, false
		default:
			pos = r.head.Load()
		}
	}
}
