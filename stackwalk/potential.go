// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/cpuprof/stackwalk"

import (
	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/prd"
)

// PotentialValue is a stack slot that looks like a stack address or a return
// address. It is recorded as is in virtual stack records.
type PotentialValue = prd.StackValue

// CaptureStackPotentialValues scans the stack from the stack pointer upwards
// in 4 byte steps and records the slots holding either an address within the
// stack or a potential return address. The scan is flat, nothing is
// dereferenced. 64-bit values are recorded as two entries, low half first.
// It returns the number of entries written to values.
func CaptureStackPotentialValues(env *Env, level irql.Level, frame *TrapFrame,
	values []PotentialValue) int {
	if len(values) == 0 || !frame.onStack(env.Space) {
		return 0
	}
	if frame.Mode == KernelMode || frame.Width == Width64 {
		return scanStack64(env, level, frame, values)
	}
	return scanStack32(env, level, frame, values)
}

func scanSlots(span uint64) int {
	slots := span / 4
	if slots > MaxDepth {
		return MaxDepth
	}
	return int(slots)
}

func scanStack32(env *Env, level irql.Level, frame *TrapFrame, values []PotentialValue) int {
	sp, low, high := frame.SP(), frame.StackLow, frame.StackHigh
	if high > 0xffffffff {
		return 0
	}
	slots := scanSlots(uint64(high - sp))

	n := 0
	for slot := 0; slot < slots; slot++ {
		v, err := env.Memory.Uint32Checked(level, sp+libpf.Address(slot*4))
		if err != nil {
			break
		}
		addr := libpf.Address(v)
		if (low <= addr && addr <= high) ||
			env.IsPotentialReturnAddress(level, addr, frame.Mode) {
			values[n] = PotentialValue{Value: v, Offset: uint16(slot * 4)}
			n++
			if n >= len(values) {
				break
			}
		}
	}
	return n
}

func scanStack64(env *Env, level irql.Level, frame *TrapFrame, values []PotentialValue) int {
	sp, low, high := frame.SP(), frame.StackLow, frame.StackHigh
	if len(values) < 2 || high-sp < 8 {
		return 0
	}
	// Values smaller than 8 bytes can be pushed, so 8 byte reads are tried
	// at every 4 byte slot.
	slots := scanSlots(uint64(high - sp - 4))

	n := 0
	for slot := 0; slot < slots; slot++ {
		v, err := env.Memory.Uint64Checked(level, sp+libpf.Address(slot*4))
		if err != nil {
			break
		}
		addr := libpf.Address(v)
		if !((low <= addr && addr <= high) ||
			env.IsPotentialReturnAddress(level, addr, frame.Mode)) {
			continue
		}
		values[n] = PotentialValue{Value: uint32(v), Offset: uint16(slot * 4)}
		values[n+1] = PotentialValue{Value: uint32(v >> 32), Offset: uint16(slot*4 + 4)}
		n += 2
		// The upper half was consumed with this value.
		slot++
		if n+2 > len(values) {
			break
		}
	}
	return n
}
