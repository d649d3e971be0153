// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/cpuprof/stackwalk"

import (
	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
)

// FramePointerUnwinder follows the saved frame pointer chain of 32-bit code.
// Each frame holds the caller's frame pointer at [fp] and the return address
// at [fp+4].
type FramePointerUnwinder struct{}

var _ Unwinder = FramePointerUnwinder{}

// frameSize is the size of the saved frame pointer and return address pair.
const frameSize = 8

type stack32 struct {
	env   *Env
	level irql.Level
	mode  Mode
	// low and high are the stack limits.
	low, high uint32
}

func (s *stack32) read(addr uint32) (uint32, bool) {
	v, err := s.env.Memory.Uint32Checked(s.level, libpf.Address(addr))
	return v, err == nil
}

// holdsFrame reports whether a complete frame fits between fp and the top of
// the stack.
func (s *stack32) holdsFrame(fp uint32) bool {
	return s.low <= fp && fp < s.high && s.high-fp >= frameSize
}

// inside reports whether v lies strictly within the stack limits.
func (s *stack32) inside(v uint32) bool {
	return s.low < v && v < s.high
}

func (s *stack32) isReturnAddress(v uint32) bool {
	return !s.inside(v) &&
		s.env.IsPotentialReturnAddress(s.level, libpf.Address(v), s.mode)
}

// recoverFramePointer checks that fp heads a frame whose return address
// follows a call. If it does not and the level allows paging, the stack is
// scanned upwards from sp for the first slot that does.
func (s *stack32) recoverFramePointer(fp, sp uint32) (uint32, bool) {
	if s.holdsFrame(fp) {
		if ret, ok := s.read(fp + 4); ok && s.isReturnAddress(ret) {
			return fp, true
		}
	}
	if !s.level.Pageable() {
		return 0, false
	}

	for cur := sp; s.holdsFrame(cur); cur += 4 {
		next, ok := s.read(cur)
		if !ok {
			return 0, false
		}
		if !(cur < next && next < s.high) {
			continue
		}
		ret, ok := s.read(cur + 4)
		if !ok {
			return 0, false
		}
		if s.isReturnAddress(ret) {
			return cur, true
		}
	}
	return 0, false
}

// Unwind implements Unwinder.
func (FramePointerUnwinder) Unwind(env *Env, level irql.Level, frame *TrapFrame,
	callers []libpf.Address) int {
	if frame.StackHigh > 0xffffffff {
		return 0
	}
	s := stack32{
		env:   env,
		level: level,
		mode:  frame.Mode,
		low:   uint32(frame.StackLow),
		high:  uint32(frame.StackHigh),
	}
	fp, ok := s.recoverFramePointer(uint32(frame.FP()), uint32(frame.SP()))
	if !ok {
		return 0
	}

	n := 0
	for n < len(callers) {
		next, ok := s.read(fp)
		if !ok {
			break
		}
		ret, ok := s.read(fp + 4)
		if !ok {
			break
		}

		// A return address pointing into the stack means the chain is garbage.
		if s.inside(ret) || !env.Space.Contains(frame.Mode, libpf.Address(ret)) {
			break
		}
		// A bogus next frame still leaves this return address usable.
		callers[n] = libpf.Address(ret)
		n++

		if !(fp < next && next < s.high) {
			break
		}
		fp = next
		if !(s.low < fp && s.holdsFrame(fp)) {
			break
		}
	}
	return n
}
