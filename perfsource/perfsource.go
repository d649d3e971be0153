// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package perfsource feeds a driver.Device with samples taken by software
// cpu-clock perf events, one per online CPU.
package perfsource // import "go.opentelemetry.io/cpuprof/perfsource"

import (
	"errors"
	"sync/atomic"

	"go.opentelemetry.io/cpuprof/driver"
	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/stackwalk"
)

// ErrUnsupported is returned on platforms without perf events.
var ErrUnsupported = errors.New("perf events are not supported on this platform")

// Markers that separate the kernel and user parts of a perf callchain.
const (
	contextKernel uint64 = 0xffffffffffffff80
	contextUser   uint64 = 0xfffffffffffffe00
	// Values above contextMax are markers.
	contextMax uint64 = 0xfffffffffffff001
)

const (
	// DefaultFrequency is the default sampling frequency in Hz.
	DefaultFrequency = 1000
	// userStackSpan bounds the user stack of a sample above its stack pointer.
	userStackSpan = 8 << 20
)

// Deliverer receives samples at interrupt level.
type Deliverer interface {
	DeliverSample(level irql.Level, s *driver.SampleData)
}

// Config configures a Source.
type Config struct {
	// ClientID is the driver client samples are delivered to.
	ClientID uint32
	// Frequency is the number of samples per second and CPU.
	Frequency uint64
	// CPUs are the CPU IDs to sample. The index of a CPU in CPUs is its core
	// number for the driver.
	CPUs []int
	// PID restricts sampling to one process. Zero samples all processes.
	PID libpf.PID
	// Callchain requests kernel callchains from perf.
	Callchain bool
	// UserRegisters requests the user mode stack and frame pointers, so user
	// stacks can be walked later.
	UserRegisters bool
}

// Counters are the totals of a Source.
type Counters struct {
	Samples uint64
	Lost    uint64
	Errors  uint64
}

// sample is the part of a perf sample record the driver uses.
type sample struct {
	IP        uint64
	PID, TID  uint32
	Time      uint64
	Kernel    bool
	Callchain []uint64
	// SP and FP are the user mode registers, zero if unknown.
	SP, FP uint64
	UserIP uint64
}

// splitCallchain returns the kernel part of a perf callchain. The entries
// are appended to kernel.
func splitCallchain(chain []uint64, kernel []libpf.Address) []libpf.Address {
	inKernel := false
	for _, addr := range chain {
		switch {
		case addr == contextKernel:
			inKernel = true
		case addr == contextUser:
			return kernel
		case addr >= contextMax:
			inKernel = false
		case inKernel:
			kernel = append(kernel, libpf.Address(addr))
		}
	}
	return kernel
}

// reader is the per-core conversion state. Its buffers are reused for
// every sample.
type reader struct {
	clientID uint32
	core     int
	data     driver.SampleData
	user     stackwalk.TrapFrame
	kernel   []libpf.Address
}

func newReader(clientID uint32, core int) *reader {
	return &reader{
		clientID: clientID,
		core:     core,
		kernel:   make([]libpf.Address, 0, stackwalk.MaxDepth),
	}
}

// convert turns a perf sample into a driver sample. The result is valid until
// the next call.
func (r *reader) convert(rec *sample) *driver.SampleData {
	s := &r.data
	*s = driver.SampleData{
		ClientID: r.clientID,
		Core:     r.core,
		Type:     prd.ConfigTimer,
		Weight:   1,
		PID:      libpf.PID(rec.PID),
		TID:      libpf.TID(rec.TID),
		Time:     rec.Time,
		Frame: stackwalk.TrapFrame{
			Mode:  stackwalk.UserMode,
			Width: stackwalk.Width64,
			IP:    libpf.Address(rec.IP),
		},
	}

	user := &s.Frame
	if rec.Kernel {
		s.Frame.Mode = stackwalk.KernelMode
		s.Callchain = splitCallchain(rec.Callchain, r.kernel[:0])
		if rec.SP == 0 {
			return s
		}
		r.user = stackwalk.TrapFrame{
			Mode:  stackwalk.UserMode,
			Width: stackwalk.Width64,
			IP:    libpf.Address(rec.UserIP),
		}
		user = &r.user
		s.UserFrame = user
	}
	if rec.SP != 0 {
		user.SetSP(libpf.Address(rec.SP))
		user.SetFP(libpf.Address(rec.FP))
		user.StackLow = libpf.Address(rec.SP)
		user.StackHigh = libpf.Address(rec.SP + userStackSpan)
	}
	return s
}

// counters are shared by all per-core readers of a Source.
type counters struct {
	samples atomic.Uint64
	lost    atomic.Uint64
	errors  atomic.Uint64
}

// Counters returns the totals.
func (c *counters) Counters() Counters {
	return Counters{
		Samples: c.samples.Load(),
		Lost:    c.lost.Load(),
		Errors:  c.errors.Load(),
	}
}
