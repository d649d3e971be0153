// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackwalk recovers call stacks from the register state captured at
// a sampling interrupt.
//
// Every walk runs against an Env: the memory of the sampled context, the
// module ranges used to validate return addresses and the call-site rules.
// Walks never fail. They stop at the first frame they can not trust and
// report what was recovered so far, which is always at least the
// interrupted instruction pointer.
package stackwalk // import "go.opentelemetry.io/cpuprof/stackwalk"

import (
	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/modulerange"
	"go.opentelemetry.io/cpuprof/remotememory"
	"go.opentelemetry.io/cpuprof/unwindinfo"
)

// MaxDepth bounds the number of frames any walk recovers, regardless of the
// requested depth.
const MaxDepth = 2048

// lowestUserAddress is the first address user code may be mapped at.
const lowestUserAddress = 0x10000

// Mode is the privilege mode of the interrupted code.
type Mode uint8

const (
	UserMode Mode = iota
	KernelMode
)

func (m Mode) String() string {
	if m == KernelMode {
		return "kernel"
	}
	return "user"
}

// Width is the address size of the interrupted code in bytes.
type Width uint8

const (
	Width32 Width = 4
	Width64 Width = 8
)

// AddressSpace describes where user and system code can live.
type AddressSpace struct {
	// UserLimit is the first address above user space.
	UserLimit libpf.Address
	// SystemStart is the first system address.
	SystemStart libpf.Address
}

var (
	AddressSpace64 = AddressSpace{UserLimit: 0x00007fffffff0000, SystemStart: 0xffff800000000000}
	AddressSpace32 = AddressSpace{UserLimit: 0x7fff0000, SystemStart: 0x80000000}
)

// Contains reports whether addr is a plausible code address for mode.
func (s AddressSpace) Contains(mode Mode, addr libpf.Address) bool {
	if mode == KernelMode {
		return addr >= s.SystemStart
	}
	return addr >= lowestUserAddress && addr < s.UserLimit
}

// TrapFrame is the register snapshot taken when the sampling interrupt fired.
type TrapFrame struct {
	Mode  Mode
	Width Width
	IP    libpf.Address
	// Regs holds the integer registers in unwindinfo register order. 32-bit
	// code uses the same numbering for its eight registers.
	Regs [unwindinfo.NumRegisters]uint64
	// StackLow and StackHigh are the limits of the stack the stack pointer
	// points into.
	StackLow, StackHigh libpf.Address
}

// SP returns the stack pointer.
func (f *TrapFrame) SP() libpf.Address {
	return libpf.Address(f.Regs[unwindinfo.RegRSP])
}

// FP returns the frame pointer.
func (f *TrapFrame) FP() libpf.Address {
	return libpf.Address(f.Regs[unwindinfo.RegRBP])
}

// SetSP sets the stack pointer.
func (f *TrapFrame) SetSP(sp libpf.Address) {
	f.Regs[unwindinfo.RegRSP] = uint64(sp)
}

// SetFP sets the frame pointer.
func (f *TrapFrame) SetFP(fp libpf.Address) {
	f.Regs[unwindinfo.RegRBP] = uint64(fp)
}

// onStack reports whether the stack pointer lies within the frame's stack
// limits and the address space of its mode.
func (f *TrapFrame) onStack(space AddressSpace) bool {
	sp := f.SP()
	if sp == 0 || sp < f.StackLow || sp > f.StackHigh {
		return false
	}
	return space.Contains(f.Mode, sp)
}

// Env is everything a walk reads from.
type Env struct {
	Memory remotememory.RemoteMemory
	// Modules are the code ranges of the sampled process. May be nil.
	Modules *modulerange.Index
	// Kernel are the code ranges of the kernel and its drivers. May be nil.
	Kernel    *modulerange.Index
	Space     AddressSpace
	CallSites CallSiteValidator
	// LoadImage builds the function table of a module image. Tables are only
	// built at pageable levels.
	LoadImage func(path string) (*unwindinfo.Image, error)
}

// LookupModule returns the module containing addr. Kernel modules are only
// considered for kernel mode addresses.
func (e *Env) LookupModule(addr libpf.Address, mode Mode) *modulerange.Module {
	if mode == KernelMode && e.Kernel != nil {
		if m := e.Kernel.Lookup(addr); m != nil {
			return m
		}
	}
	if e.Modules != nil {
		return e.Modules.Lookup(addr)
	}
	return nil
}

func (e *Env) callSites() CallSiteValidator {
	if e.CallSites == nil {
		return DefaultCallPatterns
	}
	return e.CallSites
}

// IsPotentialReturnAddress reports whether addr lies in a known module and
// directly follows a call instruction.
func (e *Env) IsPotentialReturnAddress(level irql.Level, addr libpf.Address, mode Mode) bool {
	if addr < MaxCallInstBytes || !e.Memory.Readable(level, addr, 1) {
		return false
	}
	m := e.LookupModule(addr, mode)
	if m == nil || addr-MaxCallInstBytes < m.Base {
		return false
	}
	var code [MaxCallInstBytes]byte
	if e.Memory.Read(level, addr-MaxCallInstBytes, code[:]) != nil {
		return false
	}
	return e.callSites().IsAfterCall(&code)
}

// Unwinder recovers the return addresses of the callers of the interrupted
// function. It writes at most len(callers) addresses and returns how many it
// wrote.
type Unwinder interface {
	Unwind(env *Env, level irql.Level, frame *TrapFrame, callers []libpf.Address) int
}

// UnwinderFor returns the unwinder used for code of the given width. 64-bit
// code is unwound with function tables where the module has one and by
// following frame pointers otherwise.
func UnwinderFor(w Width) Unwinder {
	if w == Width64 {
		return tableUnwinder64{}
	}
	return FramePointerUnwinder{}
}

// CaptureStackBackTrace fills callers with the interrupted instruction
// pointer followed by the return addresses of its callers. It returns the
// number of entries written, which is at least one if callers is not empty,
// and whether they are 64-bit addresses.
func CaptureStackBackTrace(env *Env, level irql.Level, frame *TrapFrame,
	callers []libpf.Address) (n int, is64 bool) {
	if len(callers) == 0 {
		return 0, false
	}
	if len(callers) > MaxDepth {
		callers = callers[:MaxDepth]
	}

	callers[0] = frame.IP
	n = 1
	if frame.onStack(env.Space) {
		n += UnwinderFor(frame.Width).Unwind(env, level, frame, callers[1:])
	}
	return n, frame.Width == Width64
}
