// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwindinfo models the per-function unwind metadata of 64-bit
// images: the function table (one entry per function with the address range
// it covers) and the unwind codes that describe how its prologue changed the
// stack pointer and the non-volatile registers.
package unwindinfo // import "go.opentelemetry.io/cpuprof/unwindinfo"

import (
	"errors"
	"sort"

	"go.opentelemetry.io/cpuprof/libpf"
)

// Op is an unwind operation code.
type Op uint8

const (
	OpPushNonVol    Op = 0
	OpAllocLarge    Op = 1
	OpAllocSmall    Op = 2
	OpSetFPReg      Op = 3
	OpSaveNonVol    Op = 4
	OpSaveNonVolFar Op = 5
	OpEpilog        Op = 6
	OpSpareCode     Op = 7
	OpSaveXMM128    Op = 8
	OpSaveXMM128Far Op = 9
	OpPushMachFrame Op = 10
)

// Flags of an unwind info block.
const (
	FlagExceptionHandler   uint8 = 0x1
	FlagTerminationHandler uint8 = 0x2
	FlagChainInfo          uint8 = 0x4
)

// Register numbers used by OpInfo and FrameRegister.
const (
	RegRAX = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	NumRegisters
)

// maxChainDepth bounds how many chained unwind info blocks are followed.
const maxChainDepth = 32

var (
	ErrTruncated     = errors.New("unwind info truncated")
	ErrBadVersion    = errors.New("unsupported unwind info version")
	ErrChainTooDeep  = errors.New("unwind info chain too deep")
	ErrNoFunctionTab = errors.New("image has no function table")
)

// Code is one 16-bit slot of the unwind code array. Some operations use the
// following one or two slots as operand.
type Code uint16

// NewCode builds an unwind code slot.
func NewCode(prologOffset uint8, op Op, info uint8) Code {
	return Code(uint16(prologOffset) | uint16(op&0xf)<<8 | uint16(info&0xf)<<12)
}

// PrologOffset is the offset of the end of the prolog instruction this code
// describes, relative to the function start.
func (c Code) PrologOffset() uint8 { return uint8(c) }

// Op returns the operation of the code.
func (c Code) Op() Op { return Op(uint16(c) >> 8 & 0xf) }

// Info returns the operation info nibble.
func (c Code) Info() uint8 { return uint8(uint16(c) >> 12) }

// SlotCount returns how many slots the code occupies including itself.
func (c Code) SlotCount() int {
	switch c.Op() {
	case OpAllocLarge:
		if c.Info() != 0 {
			return 3
		}
		return 2
	case OpSaveNonVol, OpSaveXMM128, OpEpilog:
		return 2
	case OpSaveNonVolFar, OpSaveXMM128Far, OpSpareCode:
		return 3
	default:
		return 1
	}
}

// Info is a decoded unwind info block.
type Info struct {
	Version       uint8
	Flags         uint8
	PrologSize    uint8
	FrameRegister uint8
	// FrameOffset is the scaled offset (units of 16 bytes) applied to the
	// frame register when it was established.
	FrameOffset uint8
	Codes       []Code
	// Chained is the primary function entry this block continues.
	Chained *Function
}

// HasMachineFrame reports whether the codes contain a machine frame push,
// which marks an interrupt or exception entry point.
func (ui *Info) HasMachineFrame() bool {
	for i := 0; i < len(ui.Codes); i += ui.Codes[i].SlotCount() {
		if ui.Codes[i].Op() == OpPushMachFrame {
			return true
		}
	}
	return false
}

// Function is one function table entry. Begin and End are image relative.
type Function struct {
	Begin, End uint32
	Info       *Info
}

// Image is the function table of one executable image, sorted by Begin.
type Image struct {
	functions []Function
}

// NewImage returns an image holding a sorted copy of functions.
func NewImage(functions []Function) *Image {
	fns := make([]Function, len(functions))
	copy(fns, functions)
	sort.Slice(fns, func(i, j int) bool { return fns[i].Begin < fns[j].Begin })
	return &Image{functions: fns}
}

// Len returns the number of functions of the image.
func (img *Image) Len() int {
	return len(img.functions)
}

// Lookup returns the function covering the image relative address rva.
func (img *Image) Lookup(rva uint32) *Function {
	idx := sort.Search(len(img.functions), func(i int) bool {
		return img.functions[i].End > rva
	})
	if idx == len(img.functions) {
		return nil
	}
	fn := &img.functions[idx]
	if rva < fn.Begin {
		return nil
	}
	return fn
}

// Table binds an image to the base address it is loaded at.
type Table struct {
	Base  libpf.Address
	Image *Image
}

// Lookup returns the function covering pc and the absolute address of its
// first instruction.
func (t *Table) Lookup(pc libpf.Address) (*Function, libpf.Address) {
	if t == nil || t.Image == nil || pc < t.Base || pc-t.Base > 0xffffffff {
		return nil, 0
	}
	fn := t.Image.Lookup(uint32(pc - t.Base))
	if fn == nil {
		return nil, 0
	}
	return fn, t.Base + libpf.Address(fn.Begin)
}
