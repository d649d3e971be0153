// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package samplebuf implements the fixed capacity record buffer that a
// producer core fills with samples and call stacks.
//
// Every append computes the number of records it needs first, reserves them
// with a single AcquireNextRecord call and only then fills them. A record group
// is therefore either written completely or not at all. A Buffer is owned by
// exactly one producer at a time and does no locking.
package samplebuf // import "go.opentelemetry.io/cpuprof/samplebuf"

import (
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/prd"
)

// DefaultCapacity is the default number of payload records per buffer.
const DefaultCapacity = 4096

// Buffer accumulates records behind a leading prd.Buffer record.
type Buffer struct {
	data     []byte
	capacity int
	// used counts payload records, the leading record excluded.
	used int

	clientID    uint8
	core        uint16
	sequence    uint64
	lastUserCSS uint32

	// writers detects concurrent appends.
	writers    atomic.Int32
	violations atomic.Uint64
}

// New allocates a Buffer holding capacity payload records.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid buffer capacity %d", capacity)
	}
	return &Buffer{
		data:     make([]byte, (capacity+1)*prd.RecordSize),
		capacity: capacity,
	}, nil
}

// Initialize resets b for a new active period on behalf of a client and core.
func (b *Buffer) Initialize(clientID uint8, core uint16, sequence uint64) {
	b.used = 0
	b.lastUserCSS = 0
	b.clientID = clientID
	b.core = core
	b.sequence = sequence
	b.writeLead()
}

// Finalize completes the leading record. The buffer content does not change
// until the next Initialize.
func (b *Buffer) Finalize() {
	b.writeLead()
}

func (b *Buffer) writeLead() {
	lead := prd.Buffer{
		ClientID:    b.clientID,
		Core:        b.core,
		Records:     uint32(b.used),
		LastUserCSS: b.lastUserCSS,
		Sequence:    b.sequence,
	}
	lead.Encode(b.data[:prd.RecordSize])
}

// Core returns the core b was initialized for.
func (b *Buffer) Core() uint16 {
	return b.core
}

// Cap returns the number of payload records b can hold.
func (b *Buffer) Cap() int {
	return b.capacity
}

// Len returns the number of payload records appended since Initialize.
func (b *Buffer) Len() int {
	return b.used
}

// Remaining returns the number of payload records that still fit.
func (b *Buffer) Remaining() int {
	return b.capacity - b.used
}

// HasEnoughSpace reports whether count records fit.
func (b *Buffer) HasEnoughSpace(count int) bool {
	return count > 0 && count <= b.Remaining()
}

// Bytes returns the leading record and all payload records.
func (b *Buffer) Bytes() []byte {
	return b.data[:(b.used+1)*prd.RecordSize]
}

// Violations returns how often overlapping appends were detected.
func (b *Buffer) Violations() uint64 {
	return b.violations.Load()
}

// AcquireNextRecord reserves count consecutive records and returns them, or
// nil if they do not fit.
func (b *Buffer) AcquireNextRecord(count int) []byte {
	if b.writers.Add(1) != 1 {
		b.violations.Add(1)
	}
	defer b.writers.Add(-1)

	if !b.HasEnoughSpace(count) {
		return nil
	}
	start := (b.used + 1) * prd.RecordSize
	b.used += count
	return b.data[start : start+count*prd.RecordSize]
}

// AppendSampleData appends a timer or event sample. Like all Append methods
// it returns the number of records appended, zero if the buffer is full.
func (b *Buffer) AppendSampleData(s *prd.Sample) int {
	rec := b.AcquireNextRecord(1)
	if rec == nil {
		return 0
	}
	s.Encode(rec)
	return 1
}

// AppendKernelCallStack appends a kernel call stack group.
func (b *Buffer) AppendKernelCallStack(callers []libpf.Address, is64 bool) int {
	n := prd.KernelCallStackRecords(len(callers), is64)
	dst := b.AcquireNextRecord(n)
	if dst == nil {
		return 0
	}
	prd.EncodeKernelCallStack(dst, callers, is64)
	return n
}

// AppendUserCallStack appends a user call stack group and remembers its
// position in the leading record.
func (b *Buffer) AppendUserCallStack(hdr *prd.UserCallStack, callers []libpf.Address,
	is64 bool) int {
	n := prd.UserCallStackRecords(len(callers), is64)
	index := b.used + 1
	dst := b.AcquireNextRecord(n)
	if dst == nil {
		return 0
	}
	prd.EncodeUserCallStack(dst, hdr, callers, is64)
	b.lastUserCSS = uint32(index)
	return n
}

// AppendVirtualStack appends the potential values found on a user stack.
func (b *Buffer) AppendVirtualStack(sp, fp uint64, values []prd.StackValue, is64 bool) int {
	n := prd.VirtualStackRecords(len(values))
	dst := b.AcquireNextRecord(n)
	if dst == nil {
		return 0
	}
	prd.EncodeVirtualStack(dst, sp, fp, values, is64)
	return n
}

// AppendResourceWeights appends a weight record.
func (b *Buffer) AppendResourceWeights(w *prd.Weight) int {
	rec := b.AcquireNextRecord(1)
	if rec == nil {
		return 0
	}
	w.Encode(rec)
	return 1
}

// AppendProcessID appends a process creation record.
func (b *Buffer) AppendProcessID(p *prd.ProcessID) int {
	rec := b.AcquireNextRecord(1)
	if rec == nil {
		return 0
	}
	p.Encode(rec)
	return 1
}
