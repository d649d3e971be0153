// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides access to the memory a stack walk reads from. The
// ReaderAt interface is used for the basic access, a Validator decides which
// addresses may be touched at a given IRQL, and various convenience functions
// are provided to help reading specific data types.
package remotememory // import "go.opentelemetry.io/cpuprof/remotememory"

import (
	"encoding/binary"
	"errors"
	"io"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
)

// ErrInvalidAddress is returned for reads the Validator refused. It is
// returned unwrapped so that failing reads do not allocate.
var ErrInvalidAddress = errors.New("address not readable at current IRQL")

// Validator decides whether size bytes at addr can be read at level without
// faulting. Memory that may be paged out is only valid at pageable levels.
type Validator interface {
	Valid(level irql.Level, addr libpf.Address, size uint64) bool
}

// RemoteMemory implements a set of convenience functions to access the memory
// of the sampled context. Every read is checked by the Validator first.
type RemoteMemory struct {
	io.ReaderAt
	Validator Validator
	// Bias is the adjustment for pointers (used to unrelocate pointers in snapshots)
	Bias libpf.Address
}

// Attached determines if this RemoteMemory instance references any memory.
func (rm RemoteMemory) Attached() bool {
	return rm.ReaderAt != nil
}

// Readable reports whether size bytes at addr may be read at level.
func (rm RemoteMemory) Readable(level irql.Level, addr libpf.Address, size uint64) bool {
	if rm.ReaderAt == nil || size == 0 || uint64(addr)+size < uint64(addr) {
		return false
	}
	if rm.Validator == nil {
		return level.Pageable()
	}
	return rm.Validator.Valid(level, addr, size)
}

// Read fills slice p[] with data from memory at address addr.
func (rm RemoteMemory) Read(level irql.Level, addr libpf.Address, p []byte) error {
	if !rm.Readable(level, addr, uint64(len(p))) {
		return ErrInvalidAddress
	}
	_, err := rm.ReadAt(p, int64(addr))
	return err
}

// Ptr reads a 64-bit pointer from memory
func (rm RemoteMemory) Ptr(level irql.Level, addr libpf.Address) libpf.Address {
	v, err := rm.Uint64Checked(level, addr)
	if err != nil {
		return 0
	}
	return libpf.Address(v) - rm.Bias
}

// Uint16 reads a 16-bit unsigned integer from memory
func (rm RemoteMemory) Uint16(level irql.Level, addr libpf.Address) uint16 {
	var buf [2]byte
	if rm.Read(level, addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(buf[:])
}

// Uint32 reads a 32-bit unsigned integer from memory
func (rm RemoteMemory) Uint32(level irql.Level, addr libpf.Address) uint32 {
	v, _ := rm.Uint32Checked(level, addr)
	return v
}

// Uint32Checked reads a 32-bit unsigned integer from memory
func (rm RemoteMemory) Uint32Checked(level irql.Level, addr libpf.Address) (uint32, error) {
	var buf [4]byte
	if err := rm.Read(level, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Uint64 reads a 64-bit unsigned integer from memory
func (rm RemoteMemory) Uint64(level irql.Level, addr libpf.Address) uint64 {
	v, _ := rm.Uint64Checked(level, addr)
	return v
}

// Uint64Checked reads a 64-bit unsigned integer from memory
func (rm RemoteMemory) Uint64Checked(level irql.Level, addr libpf.Address) (uint64, error) {
	var buf [8]byte
	if err := rm.Read(level, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv syscalls
// to read the memory of a live process.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

// Valid allows reads only at pageable levels, as each read is a system call.
func (vm ProcessVirtualMemory) Valid(level irql.Level, addr libpf.Address, _ uint64) bool {
	return level.Pageable() && addr != 0
}

// NewProcessVirtualMemory returns ProcessVirtualMemory implementation of RemoteMemory.
func NewProcessVirtualMemory(pid libpf.PID) RemoteMemory {
	vm := ProcessVirtualMemory{pid}
	return RemoteMemory{ReaderAt: vm, Validator: vm}
}
