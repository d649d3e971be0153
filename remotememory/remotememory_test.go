// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory

import (
	"errors"
	"os"
	"runtime"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
)

func TestProcessVirtualMemory(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("unsupported os %s", runtime.GOOS)
	}
	rm := NewProcessVirtualMemory(libpf.PID(os.Getpid()))

	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	dataPtr := libpf.Address(uintptr(unsafe.Pointer(&data[0])))

	foo := make([]byte, len(data))
	err := rm.Read(irql.Passive, dataPtr, foo)
	if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) {
		t.Skipf("skipping due to error: %v", err)
	}
	require.NoError(t, err)
	assert.Equal(t, data, foo)
	assert.Equal(t, uint32(0x04030201), rm.Uint32(irql.Passive, dataPtr))
	assert.Equal(t, libpf.Address(0x0807060504030201), rm.Ptr(irql.Passive, dataPtr))

	// A live process can not be read from interrupt context.
	_, err = rm.Uint64Checked(irql.Device, dataPtr)
	require.ErrorIs(t, err, ErrInvalidAddress)
	runtime.KeepAlive(data)
}

func TestSnapshot(t *testing.T) {
	snap := NewSnapshot(
		Region{Start: 0x2000, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		Region{Start: 0x1000, Data: []byte{0xaa, 0xbb, 0xcc, 0xdd}, Resident: true},
		Region{Start: 0x1002, Data: []byte{0xff}}, // overlaps, dropped
	)
	rm := snap.Memory()

	tests := map[string]struct {
		level irql.Level
		addr  libpf.Address
		size  uint64
		valid bool
	}{
		"resident at device level":       {level: irql.Device, addr: 0x1000, size: 4, valid: true},
		"pageable at passive":            {level: irql.Passive, addr: 0x2004, size: 4, valid: true},
		"pageable at dispatch":           {level: irql.Dispatch, addr: 0x2000, size: 4},
		"crossing region end":            {level: irql.Passive, addr: 0x2006, size: 4},
		"unmapped":                       {level: irql.Passive, addr: 0x3000, size: 1},
		"below first region":             {level: irql.Passive, addr: 0xfff, size: 2},
		"zero sized":                     {level: irql.Passive, addr: 0x1000, size: 0},
		"wraps around the address space": {level: irql.Passive, addr: ^libpf.Address(0), size: 2},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.valid, rm.Readable(tc.level, tc.addr, tc.size))
		})
	}

	assert.Equal(t, uint32(0xddccbbaa), rm.Uint32(irql.Device, 0x1000))
	assert.Equal(t, uint16(0x0605), rm.Uint16(irql.APC, 0x2004))
	assert.Equal(t, uint64(0x0807060504030201), rm.Uint64(irql.Passive, 0x2000))
	assert.Zero(t, rm.Uint64(irql.Device, 0x2000))

	_, err := rm.Uint32Checked(irql.Passive, 0x3000)
	require.ErrorIs(t, err, ErrInvalidAddress)

	biased := rm
	biased.Bias = 0x0807060504030000
	assert.Equal(t, libpf.Address(0x0201), biased.Ptr(irql.Passive, 0x2000))
}

func TestDetached(t *testing.T) {
	var rm RemoteMemory
	assert.False(t, rm.Attached())
	assert.False(t, rm.Readable(irql.Passive, 0x1000, 1))
	require.ErrorIs(t, rm.Read(irql.Passive, 0x1000, make([]byte, 1)), ErrInvalidAddress)
}
