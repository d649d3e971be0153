// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/cpuprof/stackwalk"

import (
	"errors"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/unwindinfo"
)

var (
	errUnreadable  = errors.New("unwind read failed")
	errBadCodes    = errors.New("malformed unwind codes")
	errChainTooBig = errors.New("unwind chain too deep")
)

// maxChain bounds how many chained unwind blocks one step follows.
const maxChain = 32

// VirtualUnwinder replays the prologue of each function backwards, as
// described by the unwind codes of its function table entry, to recover the
// caller's registers.
type VirtualUnwinder struct{}

var _ Unwinder = VirtualUnwinder{}

// Context is the register state of one frame during a virtual unwind.
type Context struct {
	IP   libpf.Address
	Regs [unwindinfo.NumRegisters]uint64
}

func (c *Context) sp() libpf.Address {
	return libpf.Address(c.Regs[unwindinfo.RegRSP])
}

type unwinder64 struct {
	env   *Env
	level irql.Level
}

func (u *unwinder64) read(addr uint64) (uint64, error) {
	v, err := u.env.Memory.Uint64Checked(u.level, libpf.Address(addr))
	if err != nil {
		return 0, errUnreadable
	}
	return v, nil
}

// applyCodes undoes the prologue operations of info. Operations whose
// prologue offset lies beyond offset have not executed yet and are skipped.
// It reports whether a machine frame was popped, which already restored IP.
func (u *unwinder64) applyCodes(ctx *Context, info *unwindinfo.Info, offset uint64) (bool, error) {
	codes := info.Codes
	regs := &ctx.Regs
	for i := 0; i < len(codes); {
		c := codes[i]
		slots := c.SlotCount()
		if i+slots > len(codes) {
			return false, errBadCodes
		}
		operand := codes[i+1 : i+slots]
		i += slots

		if uint64(c.PrologOffset()) > offset {
			continue
		}
		rsp := regs[unwindinfo.RegRSP]

		switch c.Op() {
		case unwindinfo.OpPushNonVol:
			v, err := u.read(rsp)
			if err != nil {
				return false, err
			}
			regs[c.Info()] = v
			regs[unwindinfo.RegRSP] = rsp + 8
		case unwindinfo.OpAllocLarge:
			var size uint64
			if c.Info() == 0 {
				size = uint64(operand[0]) * 8
			} else {
				size = uint64(operand[0]) | uint64(operand[1])<<16
			}
			regs[unwindinfo.RegRSP] = rsp + size
		case unwindinfo.OpAllocSmall:
			regs[unwindinfo.RegRSP] = rsp + uint64(c.Info())*8 + 8
		case unwindinfo.OpSetFPReg:
			regs[unwindinfo.RegRSP] = regs[info.FrameRegister] - uint64(info.FrameOffset)*16
		case unwindinfo.OpSaveNonVol:
			v, err := u.read(rsp + uint64(operand[0])*8)
			if err != nil {
				return false, err
			}
			regs[c.Info()] = v
		case unwindinfo.OpSaveNonVolFar:
			v, err := u.read(rsp + (uint64(operand[0]) | uint64(operand[1])<<16))
			if err != nil {
				return false, err
			}
			regs[c.Info()] = v
		case unwindinfo.OpPushMachFrame:
			if c.Info() != 0 {
				// An error code was pushed on top of the machine frame.
				rsp += 8
			}
			ip, err := u.read(rsp)
			if err != nil {
				return false, err
			}
			sp, err := u.read(rsp + 24)
			if err != nil {
				return false, err
			}
			ctx.IP = libpf.Address(ip)
			regs[unwindinfo.RegRSP] = sp
			return true, nil
		default:
			// XMM saves and epilog markers do not affect integer registers.
		}
	}
	return false, nil
}

// step unwinds one frame of the function fn, which starts at begin.
func (u *unwinder64) step(ctx *Context, fn *unwindinfo.Function, begin libpf.Address) error {
	offset := uint64(ctx.IP - begin)
	info := fn.Info
	for depth := 0; info != nil; depth++ {
		if depth > maxChain {
			return errChainTooBig
		}
		machFrame, err := u.applyCodes(ctx, info, offset)
		if err != nil {
			return err
		}
		if machFrame {
			return nil
		}
		if info.Chained == nil {
			break
		}
		// The prologue of the primary function has fully executed.
		info = info.Chained.Info
		offset = ^uint64(0)
	}

	ip, err := u.read(uint64(ctx.sp()))
	if err != nil {
		return err
	}
	ctx.IP = libpf.Address(ip)
	ctx.Regs[unwindinfo.RegRSP] += 8
	return nil
}

// Unwind implements Unwinder.
func (VirtualUnwinder) Unwind(env *Env, level irql.Level, frame *TrapFrame,
	callers []libpf.Address) int {
	u := unwinder64{env: env, level: level}
	ctx := Context{IP: frame.IP, Regs: frame.Regs}
	low, high := frame.StackLow, frame.StackHigh

	if !env.Memory.Readable(level, ctx.IP, 1) {
		return 0
	}

	n := 0
	for n < len(callers) {
		if sp := ctx.sp(); sp < low || sp >= high {
			break
		}
		m := env.LookupModule(ctx.IP, frame.Mode)
		if m == nil {
			break
		}
		table := m.FunctionTable(level, env.LoadImage)
		if table == nil {
			break
		}
		fn, begin := table.Lookup(ctx.IP)
		if fn == nil || fn.Info == nil {
			break
		}
		info := fn.Info
		if info.FrameRegister != 0 {
			est := libpf.Address(ctx.Regs[info.FrameRegister])
			if est < low || est >= high {
				break
			}
		}
		// Kernel stacks are not followed across an interrupt or exception
		// entry, the frames below belong to unrelated code.
		if frame.Mode == KernelMode && info.HasMachineFrame() {
			break
		}

		if u.step(&ctx, fn, begin) != nil {
			break
		}
		if ctx.IP == 0 || !env.Memory.Readable(level, ctx.IP, 1) ||
			!env.Space.Contains(frame.Mode, ctx.IP) {
			break
		}
		callers[n] = ctx.IP
		n++
	}
	return n
}
