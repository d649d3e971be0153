// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/cpuprof/stackwalk"

import (
	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
)

// FramePointerUnwinder64 follows the saved frame pointer chain of 64-bit code
// built with frame pointers. Each frame holds the caller's frame pointer at
// [rbp] and the return address at [rbp+8].
type FramePointerUnwinder64 struct{}

var _ Unwinder = FramePointerUnwinder64{}

// frameSize64 is the size of the saved frame pointer and return address pair.
const frameSize64 = 16

type stack64 struct {
	env   *Env
	level irql.Level
	mode  Mode
	// low and high are the stack limits.
	low, high uint64
}

func (s *stack64) read(addr uint64) (uint64, bool) {
	v, err := s.env.Memory.Uint64Checked(s.level, libpf.Address(addr))
	return v, err == nil
}

func (s *stack64) holdsFrame(fp uint64) bool {
	return s.low <= fp && fp < s.high && s.high-fp >= frameSize64
}

func (s *stack64) inside(v uint64) bool {
	return s.low < v && v < s.high
}

func (s *stack64) isReturnAddress(v uint64) bool {
	return !s.inside(v) &&
		s.env.IsPotentialReturnAddress(s.level, libpf.Address(v), s.mode)
}

// recoverFramePointer checks that fp heads a frame whose return address
// follows a call. If it does not and the level allows paging, the stack is
// scanned upwards from sp for the first slot that does.
func (s *stack64) recoverFramePointer(fp, sp uint64) (uint64, bool) {
	if s.holdsFrame(fp) {
		if ret, ok := s.read(fp + 8); ok && s.isReturnAddress(ret) {
			return fp, true
		}
	}
	if !s.level.Pageable() {
		return 0, false
	}

	for cur := sp &^ 7; s.holdsFrame(cur); cur += 8 {
		next, ok := s.read(cur)
		if !ok {
			return 0, false
		}
		if !(cur < next && next < s.high) {
			continue
		}
		ret, ok := s.read(cur + 8)
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
func (FramePointerUnwinder64) Unwind(env *Env, level irql.Level, frame *TrapFrame,
	callers []libpf.Address) int {
	s := stack64{
		env:   env,
		level: level,
		mode:  frame.Mode,
		low:   uint64(frame.StackLow),
		high:  uint64(frame.StackHigh),
	}
	fp, ok := s.recoverFramePointer(uint64(frame.FP()), uint64(frame.SP()))
	if !ok {
		return 0
	}

	n := 0
	for n < len(callers) {
		next, ok := s.read(fp)
		if !ok {
			break
		}
		ret, ok := s.read(fp + 8)
		if !ok {
			break
		}

		if s.inside(ret) || !env.Space.Contains(frame.Mode, libpf.Address(ret)) {
			break
		}
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

// tableUnwinder64 unwinds 64-bit code with the function table of the
// interrupted module and falls back to frame pointers when the module has
// none.
type tableUnwinder64 struct{}

func (tableUnwinder64) Unwind(env *Env, level irql.Level, frame *TrapFrame,
	callers []libpf.Address) int {
	if m := env.LookupModule(frame.IP, frame.Mode); m != nil &&
		m.FunctionTable(level, env.LoadImage) != nil {
		return VirtualUnwinder{}.Unwind(env, level, frame, callers)
	}
	return FramePointerUnwinder64{}.Unwind(env, level, frame, callers)
}
