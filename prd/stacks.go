// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package prd // import "go.opentelemetry.io/cpuprof/prd"

import (
	"go.opentelemetry.io/cpuprof/libpf"
)

// kernelCSSHeaderSize is the part of the leading kernel call stack record
// before the first address.
const kernelCSSHeaderSize = 8

// stackValueSize is the encoded size of a StackValue.
const stackValueSize = 8

func addressSize(is64 bool) int {
	if is64 {
		return 8
	}
	return 4
}

func stackFlags(kernel, is64 bool) uint8 {
	var flags uint8
	if kernel {
		flags |= FlagKernel
	}
	if is64 {
		flags |= Flag64
	}
	return flags
}

// KernelCallStackRecords returns the number of records a kernel call stack
// of depth addresses takes.
//
//	0  u8  RecKernelCSS
//	1  u8  flags
//	2  u16 depth
//	4  u32 reserved
//	8  addresses, 4 or 8 bytes each, continuing into the following records
func KernelCallStackRecords(depth int, is64 bool) int {
	if depth <= 0 {
		return 0
	}
	return recordsFor(kernelCSSHeaderSize + depth*addressSize(is64))
}

// UserCallStackRecords returns the number of records a user call stack of
// depth addresses takes.
//
//	0  u8  RecUserCSS
//	1  u8  flags
//	2  u16 depth
//	4  u32 PID
//	8  u32 TID
//	12 u16 Core
//	16 u64 StartTick, when the sample was taken
//	24 u64 EndTick, when the stack was walked
//	32 addresses, 4 or 8 bytes each, in the following records
func UserCallStackRecords(depth int, is64 bool) int {
	if depth <= 0 {
		return 0
	}
	return 1 + recordsFor(depth*addressSize(is64))
}

// VirtualStackRecords returns the number of records a virtual stack of n
// values takes.
//
//	0  u8  RecVirtualStack
//	1  u8  flags
//	2  u16 count
//	8  u64 SP
//	16 u64 FP
//	32 values in the following records: u32 value, u16 offset, u16 reserved
func VirtualStackRecords(n int) int {
	if n <= 0 {
		return 0
	}
	return 1 + recordsFor(n*stackValueSize)
}

func putAddresses(dst []byte, callers []libpf.Address, is64 bool) {
	if is64 {
		for i, addr := range callers {
			le.PutUint64(dst[i*8:], uint64(addr))
		}
		return
	}
	for i, addr := range callers {
		le.PutUint32(dst[i*4:], uint32(addr))
	}
}

func addresses(src []byte, depth int, is64 bool) []uint64 {
	out := make([]uint64, depth)
	for i := range out {
		if is64 {
			out[i] = le.Uint64(src[i*8:])
		} else {
			out[i] = uint64(le.Uint32(src[i*4:]))
		}
	}
	return out
}

// EncodeKernelCallStack writes a kernel call stack group to dst, which holds
// KernelCallStackRecords(len(callers), is64) records.
func EncodeKernelCallStack(dst []byte, callers []libpf.Address, is64 bool) {
	n := KernelCallStackRecords(len(callers), is64)
	dst = dst[:n*RecordSize]
	clear(dst)
	dst[0] = byte(RecKernelCSS)
	dst[1] = stackFlags(true, is64)
	le.PutUint16(dst[2:], uint16(len(callers)))
	putAddresses(dst[kernelCSSHeaderSize:], callers, is64)
}

// UserCallStack is the header of a user call stack group.
type UserCallStack struct {
	PID       uint32
	TID       uint32
	Core      uint16
	StartTick uint64
	EndTick   uint64
}

// EncodeUserCallStack writes a user call stack group to dst, which holds
// UserCallStackRecords(len(callers), is64) records.
func EncodeUserCallStack(dst []byte, hdr *UserCallStack, callers []libpf.Address, is64 bool) {
	n := UserCallStackRecords(len(callers), is64)
	dst = dst[:n*RecordSize]
	clear(dst)
	dst[0] = byte(RecUserCSS)
	dst[1] = stackFlags(false, is64)
	le.PutUint16(dst[2:], uint16(len(callers)))
	le.PutUint32(dst[4:], hdr.PID)
	le.PutUint32(dst[8:], hdr.TID)
	le.PutUint16(dst[12:], hdr.Core)
	le.PutUint64(dst[16:], hdr.StartTick)
	le.PutUint64(dst[24:], hdr.EndTick)
	putAddresses(dst[RecordSize:], callers, is64)
}

// StackValue is a stack slot captured by a flat stack scan.
type StackValue struct {
	Value uint32
	// Offset is the byte offset of the slot from the stack pointer.
	Offset uint16
}

// EncodeVirtualStack writes a virtual stack group to dst, which holds
// VirtualStackRecords(len(values)) records.
func EncodeVirtualStack(dst []byte, sp, fp uint64, values []StackValue, is64 bool) {
	n := VirtualStackRecords(len(values))
	dst = dst[:n*RecordSize]
	clear(dst)
	dst[0] = byte(RecVirtualStack)
	dst[1] = stackFlags(false, is64)
	le.PutUint16(dst[2:], uint16(len(values)))
	le.PutUint64(dst[8:], sp)
	le.PutUint64(dst[16:], fp)
	for i, v := range values {
		off := RecordSize + i*stackValueSize
		le.PutUint32(dst[off:], v.Value)
		le.PutUint16(dst[off+4:], v.Offset)
	}
}

// GroupRecords returns the number of records of the group that lead starts,
// one for records that are not part of a group.
func GroupRecords(lead []byte) int {
	switch Type(lead) {
	case RecKernelCSS:
		return max(1, KernelCallStackRecords(int(le.Uint16(lead[2:])), lead[1]&Flag64 != 0))
	case RecUserCSS:
		return max(1, UserCallStackRecords(int(le.Uint16(lead[2:])), lead[1]&Flag64 != 0))
	case RecVirtualStack:
		return max(1, VirtualStackRecords(int(le.Uint16(lead[2:]))))
	default:
		return 1
	}
}

// CallStack is a decoded kernel or user call stack group.
type CallStack struct {
	Kernel bool
	Is64   bool
	UserCallStack
	Callers []uint64
}

// DecodeCallStack parses a kernel or user call stack group.
func DecodeCallStack(group []byte) (CallStack, error) {
	if len(group) < RecordSize || len(group) < GroupRecords(group)*RecordSize {
		return CallStack{}, ErrBadRecord
	}
	cs := CallStack{Is64: group[1]&Flag64 != 0}
	depth := int(le.Uint16(group[2:]))
	switch Type(group) {
	case RecKernelCSS:
		cs.Kernel = true
		cs.Callers = addresses(group[kernelCSSHeaderSize:], depth, cs.Is64)
	case RecUserCSS:
		cs.PID = le.Uint32(group[4:])
		cs.TID = le.Uint32(group[8:])
		cs.Core = le.Uint16(group[12:])
		cs.StartTick = le.Uint64(group[16:])
		cs.EndTick = le.Uint64(group[24:])
		cs.Callers = addresses(group[RecordSize:], depth, cs.Is64)
	default:
		return CallStack{}, ErrBadRecord
	}
	return cs, nil
}

// VirtualStack is a decoded virtual stack group.
type VirtualStack struct {
	Is64   bool
	SP, FP uint64
	Values []StackValue
}

// DecodeVirtualStack parses a virtual stack group.
func DecodeVirtualStack(group []byte) (VirtualStack, error) {
	if len(group) < RecordSize || Type(group) != RecVirtualStack ||
		len(group) < GroupRecords(group)*RecordSize {
		return VirtualStack{}, ErrBadRecord
	}
	vs := VirtualStack{
		Is64:   group[1]&Flag64 != 0,
		SP:     le.Uint64(group[8:]),
		FP:     le.Uint64(group[16:]),
		Values: make([]StackValue, le.Uint16(group[2:])),
	}
	for i := range vs.Values {
		off := RecordSize + i*stackValueSize
		vs.Values[i] = StackValue{
			Value:  le.Uint32(group[off:]),
			Offset: le.Uint16(group[off+4:]),
		}
	}
	return vs, nil
}
