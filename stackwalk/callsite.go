// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/cpuprof/stackwalk"

import (
	"golang.org/x/arch/x86/x86asm"
)

// MaxCallInstBytes is how many bytes before a candidate return address are
// inspected for a call instruction.
const MaxCallInstBytes = 8

// CallSiteValidator decides whether the bytes preceding a candidate return
// address end with a call instruction.
type CallSiteValidator interface {
	IsAfterCall(code *[MaxCallInstBytes]byte) bool
}

// ModR/M fields.
const (
	modrmRM  = 0x7 << 0
	modrmReg = 0x7 << 3
	modrmMod = 0x3 << 6
)

// CallPattern matches one call instruction encoding of a fixed length.
type CallPattern struct {
	Name string
	Len  int
	// Match is called with exactly Len bytes.
	Match func(inst []byte) bool
}

// CallPatterns checks its patterns in order.
type CallPatterns []CallPattern

// IsAfterCall implements CallSiteValidator.
func (p CallPatterns) IsAfterCall(code *[MaxCallInstBytes]byte) bool {
	for i := range p {
		n := p[i].Len
		if n <= 0 || n > MaxCallInstBytes {
			continue
		}
		if p[i].Match(code[MaxCallInstBytes-n:]) {
			return true
		}
	}
	return false
}

// DefaultCallPatterns recognizes the common near and far call encodings.
var DefaultCallPatterns = CallPatterns{
	{
		// E8 cd: call rel32
		Name: "call rel32", Len: 5,
		Match: func(b []byte) bool { return b[0] == 0xe8 },
	},
	{
		// FF 15 disp32: call [disp32]
		Name: "call m32 disp32", Len: 6,
		Match: func(b []byte) bool {
			return b[0] == 0xff && b[1]&(modrmReg|modrmMod) == 2<<3
		},
	},
	{
		// FF 11: call [rcx], FF 1B: call far [rbx], FF D1: call rcx
		Name: "call r/m", Len: 2,
		Match: func(b []byte) bool {
			if b[0] != 0xff {
				return false
			}
			m := b[1] & (modrmReg | modrmMod)
			return m == 3<<3 || m == 2<<3 || m == 2<<3|3<<6
		},
	},
	{
		// FF 55 18: call [rbp+18h], FF 14 90: call [rax+rdx*4]
		Name: "call m disp8", Len: 3,
		Match: func(b []byte) bool {
			return b[0] == 0xff && b[1]&modrmMod != modrmMod &&
				b[1]&(6<<3) == 2<<3
		},
	},
	{
		// FF 54 24 48: call [rsp+48h]
		Name: "call m sib disp8", Len: 4,
		Match: func(b []byte) bool {
			return b[0] == 0xff && b[1]&(modrmReg|modrmRM) == 2<<3|4 &&
				b[1]&modrmMod != modrmMod
		},
	},
	{
		// 9A cp: call ptr16:32
		Name: "call far ptr", Len: 7,
		Match: func(b []byte) bool { return b[0] == 0x9a },
	},
}

// DecodingValidator disassembles the candidate bytes instead of matching
// fixed patterns. It accepts any call instruction that ends exactly at the
// candidate address.
type DecodingValidator struct {
	// Mode is the decoder mode, 32 or 64.
	Mode int
}

// IsAfterCall implements CallSiteValidator.
func (d DecodingValidator) IsAfterCall(code *[MaxCallInstBytes]byte) bool {
	for n := 2; n <= MaxCallInstBytes; n++ {
		inst, err := x86asm.Decode(code[MaxCallInstBytes-n:], d.Mode)
		if err != nil || inst.Len != n {
			continue
		}
		if inst.Op == x86asm.CALL || inst.Op == x86asm.LCALL {
			return true
		}
	}
	return false
}
