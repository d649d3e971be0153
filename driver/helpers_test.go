// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/modulerange"
	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/prdwriter"
	"go.opentelemetry.io/cpuprof/remotememory"
	"go.opentelemetry.io/cpuprof/stackwalk"
	"go.opentelemetry.io/cpuprof/times"
)

const (
	codeBase    libpf.Address = 0x00400000
	codeSize                  = 0x2000
	stackLow    libpf.Address = 0x00100000
	stackHigh   libpf.Address = 0x00110000
	stackMapped libpf.Address = 0x0010f000

	startTick = 1000
)

var appRange = []modulerange.Range{{Base: codeBase, Size: codeSize, Path: "app.exe"}}

// userMemory is a 32-bit process with two frames on its stack.
func userMemory() remotememory.RemoteMemory {
	code := make([]byte, codeSize)
	stack := make([]byte, 0xc00)
	frame := func(fp, next, ret libpf.Address) {
		binary.LittleEndian.PutUint32(stack[fp-stackMapped:], uint32(next))
		binary.LittleEndian.PutUint32(stack[fp-stackMapped+4:], uint32(ret))
		code[ret-5-codeBase] = 0xe8
	}
	frame(0x0010f100, 0x0010f200, 0x00401005)
	frame(0x0010f200, 0x0010fe00, 0x00401105)
	return remotememory.NewSnapshot(
		remotememory.Region{Start: codeBase, Data: code},
		remotememory.Region{Start: stackMapped, Data: stack},
	).Memory()
}

func userFrame() stackwalk.TrapFrame {
	tf := stackwalk.TrapFrame{
		Mode:      stackwalk.UserMode,
		Width:     stackwalk.Width32,
		IP:        0x00400800,
		StackLow:  stackLow,
		StackHigh: stackHigh,
	}
	tf.SetSP(0x0010f0f0)
	tf.SetFP(0x0010f100)
	return tf
}

type deviceOption func(*Config)

func withBuffers(n, capacity int) deviceOption {
	return func(cfg *Config) {
		cfg.Buffers = n
		cfg.BufferCapacity = capacity
	}
}

func newTestDevice(t *testing.T, numCores int, opts ...deviceOption) *Device {
	t.Helper()
	var tick atomic.Uint64
	tick.Store(startTick)
	cfg := Config{
		NumCores: numCores,
		Memory: func(libpf.PID) remotememory.RemoteMemory {
			return userMemory()
		},
		Space:          stackwalk.AddressSpace32,
		Clock:          func() uint64 { return tick.Load() },
		TimerFrequency: 1e9,
		CPUInfo:        []prd.CPUInfo{{Core: 0, Vendor: "GenuineTest"}},
		Times:          times.New(0, 0),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

// newTimerSession registers a client writing to the returned buffer with a
// 1ms timer configuration.
func newTimerSession(t *testing.T, d *Device) (*Client, *bytes.Buffer) {
	t.Helper()
	c, err := d.RegisterClient(t.Name())
	require.NoError(t, err)
	out := &bytes.Buffer{}
	require.NoError(t, c.SetOutput(out, prdwriter.Options{}))
	require.NoError(t, c.SetTimerConfiguration(TimerConfig{Interval: 1e6}))
	return c, out
}

func timerSample(c *Client, core int, pid libpf.PID, tick uint64) *SampleData {
	return &SampleData{
		ClientID: c.ID(),
		Core:     core,
		Type:     prd.ConfigTimer,
		PID:      pid,
		TID:      libpf.TID(pid + 1),
		Time:     tick,
		Frame:    userFrame(),
	}
}

func deliver(d *Device, s *SampleData) {
	d.DeliverSample(irql.Device, s)
}

func summarize(t *testing.T, out *bytes.Buffer) *prd.Summary {
	t.Helper()
	r, err := prd.NewReader(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	defer r.Close()
	s, err := prd.Summarize(r)
	require.NoError(t, err)
	return s
}

var errDiskFull = errors.New("disk full")

// failingWriter fails all writes once broken is set.
type failingWriter struct {
	bytes.Buffer
	broken atomic.Bool
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.broken.Load() {
		return 0, errDiskFull
	}
	return w.Buffer.Write(p)
}
