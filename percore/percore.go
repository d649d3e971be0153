// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package percore holds the buffer each producer core currently appends to
// and rotates it when it is full.
package percore // import "go.opentelemetry.io/cpuprof/percore"

import (
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/cpuprof/bufferpool"
	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/samplebuf"
)

// Enqueuer takes finalized buffers. Enqueue must not block.
type Enqueuer interface {
	Enqueue(h bufferpool.Handle) bool
}

type slot struct {
	handle   atomic.Int32
	sequence uint64
	_        [48]byte
}

// Slots is the set of per-core buffer slots of one client.
type Slots struct {
	clientID uint8
	pool     *bufferpool.Pool
	queue    Enqueuer
	slots    []slot

	rotations atomic.Uint64
	misses    atomic.Uint64
	dropped   atomic.Uint64
}

// New returns numSlots empty slots. Buffers are acquired from pool on first
// use and handed to queue when full.
func New(clientID uint8, numSlots int, pool *bufferpool.Pool, queue Enqueuer) (*Slots, error) {
	if numSlots <= 0 || numSlots > 1<<16 {
		return nil, fmt.Errorf("invalid number of slots %d", numSlots)
	}
	s := &Slots{
		clientID: clientID,
		pool:     pool,
		queue:    queue,
		slots:    make([]slot, numSlots),
	}
	for i := range s.slots {
		s.slots[i].handle.Store(int32(bufferpool.NoBuffer))
	}
	return s, nil
}

// Len returns the number of slots.
func (s *Slots) Len() int {
	return len(s.slots)
}

// Reserve returns the buffer of slot core with room for count records,
// rotating the current buffer out if it is full. It returns nil if no buffer
// is available, which counts as a miss. Only the owner of the slot may call
// Reserve, and it must finish appending before calling it again.
//
// Reserve never blocks and never allocates.
func (s *Slots) Reserve(_ irql.Level, core, count int) *samplebuf.Buffer {
	if core < 0 || core >= len(s.slots) {
		return nil
	}
	sl := &s.slots[core]

	if h := bufferpool.Handle(sl.handle.Load()); h != bufferpool.NoBuffer {
		buf := s.pool.Buffer(h)
		if buf.HasEnoughSpace(count) {
			return buf
		}
		if sl.handle.CompareAndSwap(int32(h), int32(bufferpool.NoBuffer)) {
			s.rotations.Add(1)
			s.retire(h)
		}
	}

	h := s.pool.Acquire()
	if h == bufferpool.NoBuffer {
		s.misses.Add(1)
		return nil
	}
	buf := s.pool.Buffer(h)
	sl.sequence++
	buf.Initialize(s.clientID, uint16(core), sl.sequence)
	if !buf.HasEnoughSpace(count) {
		// Larger than an empty buffer, it can never be recorded.
		s.pool.Release(h)
		s.misses.Add(1)
		return nil
	}
	sl.handle.Store(int32(h))
	return buf
}

// retire finalizes a detached buffer and hands it to the queue. Empty
// buffers go straight back to the pool.
func (s *Slots) retire(h bufferpool.Handle) bool {
	buf := s.pool.Buffer(h)
	buf.Finalize()
	if buf.Len() == 0 {
		s.pool.Release(h)
		return false
	}
	if !s.queue.Enqueue(h) {
		s.dropped.Add(uint64(buf.Len()))
		s.pool.Release(h)
		return false
	}
	return true
}

// Detach removes the buffer of a slot and returns it unfinalized.
func (s *Slots) Detach(core int) bufferpool.Handle {
	if core < 0 || core >= len(s.slots) {
		return bufferpool.NoBuffer
	}
	return bufferpool.Handle(s.slots[core].handle.Swap(int32(bufferpool.NoBuffer)))
}

// Flush hands all partially filled buffers to the queue. Producers must have
// stopped appending. It returns the number of buffers enqueued.
func (s *Slots) Flush() int {
	n := 0
	for core := range s.slots {
		h := s.Detach(core)
		if h == bufferpool.NoBuffer {
			continue
		}
		if s.retire(h) {
			n++
		}
	}
	return n
}

// InUse returns the number of slots holding a buffer.
func (s *Slots) InUse() int {
	n := 0
	for i := range s.slots {
		if bufferpool.Handle(s.slots[i].handle.Load()) != bufferpool.NoBuffer {
			n++
		}
	}
	return n
}

// Counters returns the number of rotations, of reservations that found no
// buffer, and of records dropped because the queue refused a buffer.
func (s *Slots) Counters() (rotations, misses, dropped uint64) {
	return s.rotations.Load(), s.misses.Load(), s.dropped.Load()
}
