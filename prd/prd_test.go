// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package prd

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cpuprof/libpf"
)

func TestRecordCounts(t *testing.T) {
	tests := map[string]struct {
		count    func() int
		expected int
	}{
		"kernel empty":          {count: func() int { return KernelCallStackRecords(0, true) }},
		"kernel 1x64":           {count: func() int { return KernelCallStackRecords(1, true) }, expected: 1},
		"kernel 3x64":           {count: func() int { return KernelCallStackRecords(3, true) }, expected: 1},
		"kernel 4x64":           {count: func() int { return KernelCallStackRecords(4, true) }, expected: 2},
		"kernel 6x32":           {count: func() int { return KernelCallStackRecords(6, false) }, expected: 1},
		"kernel 7x32":           {count: func() int { return KernelCallStackRecords(7, false) }, expected: 2},
		"kernel max depth":      {count: func() int { return KernelCallStackRecords(2048, true) }, expected: 513},
		"user empty":            {count: func() int { return UserCallStackRecords(0, true) }},
		"user 1x64":             {count: func() int { return UserCallStackRecords(1, true) }, expected: 2},
		"user 4x64":             {count: func() int { return UserCallStackRecords(4, true) }, expected: 2},
		"user 5x64":             {count: func() int { return UserCallStackRecords(5, true) }, expected: 3},
		"user 8x32":             {count: func() int { return UserCallStackRecords(8, false) }, expected: 2},
		"virtual empty":         {count: func() int { return VirtualStackRecords(0) }},
		"virtual 4":             {count: func() int { return VirtualStackRecords(4) }, expected: 2},
		"virtual 5":             {count: func() int { return VirtualStackRecords(5) }, expected: 3},
		"pid config empty":      {count: func() int { return PIDConfigRecords(0) }, expected: 1},
		"pid config full":       {count: func() int { return PIDConfigRecords(PIDsPerRecord) }, expected: 1},
		"pid config overflowed": {count: func() int { return PIDConfigRecords(PIDsPerRecord + 1) }, expected: 2},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.count())
		})
	}
}

func TestSampleLayout(t *testing.T) {
	s := Sample{
		Type:        RecEvent,
		Flags:       FlagKernel | Flag64,
		Core:        0x0102,
		PID:         0x03040506,
		TID:         0x0708090a,
		ResourceID:  2,
		ConfigIndex: 1,
		IP:          0xfffff80000001234,
		Tick:        0x1122334455667788,
	}
	rec := make([]byte, RecordSize)
	s.Encode(rec)

	assert.Equal(t, []byte{
		byte(RecEvent), 0x03, 0x02, 0x01, 0x06, 0x05, 0x04, 0x03,
		0x0a, 0x09, 0x08, 0x07, 0x02, 0x01, 0x00, 0x00,
		0x34, 0x12, 0x00, 0x00, 0x00, 0xf8, 0xff, 0xff,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
	}, rec)
	assert.Equal(t, s, DecodeSample(rec))
	assert.True(t, Type(rec).IsSample())
}

func TestHeader(t *testing.T) {
	h := Header{Version: Version, CoreCount: 8, StartTime: 1, TimerFrequency: 1e9, StartTick: 2}
	rec := make([]byte, RecordSize)
	h.Encode(rec)
	assert.Equal(t, []byte("CPRD"), rec[:4])

	decoded, err := DecodeHeader(rec)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)

	rec[4] = Version + 1
	_, err = DecodeHeader(rec)
	require.ErrorIs(t, err, ErrBadVersion)

	rec[0] = 'X'
	_, err = DecodeHeader(rec)
	require.ErrorIs(t, err, ErrBadMagic)

	_, err = DecodeHeader(rec[:8])
	require.ErrorIs(t, err, ErrBadRecord)
}

func TestFixedRecords(t *testing.T) {
	rec := make([]byte, RecordSize)

	ext := ExtHeader{ConfigCount: 2, Flags: ExtSystemWide, SessionID: uuid.New()}
	ext.Encode(rec)
	assert.Equal(t, RecExtHeader, Type(rec))
	assert.Equal(t, ext, DecodeExtHeader(rec))

	cpu := CPUInfo{Core: 3, Family: 0x19, Model: 0x21, Stepping: 2, Package: 0, CoreID: 3,
		ClockMHz: 3400, Vendor: "AuthenticAMD"}
	cpu.Encode(rec)
	assert.Equal(t, cpu, DecodeCPUInfo(rec))

	cfg := Config{Type: ConfigEvent, Index: 1, ResourceID: 3, Period: 250000,
		ControlValue: 0x530076, CoreMask: 0xff}
	cfg.Encode(rec)
	assert.Equal(t, RecEventConfig, Type(rec))
	assert.Equal(t, cfg, DecodeConfig(rec))

	w := Weight{ResourceType: ConfigEvent, Core: 1, Weights: []uint8{1, 4, 2}}
	w.Encode(rec)
	assert.Equal(t, w, DecodeWeight(rec))

	// Weights beyond the record are cut off.
	w.Weights = make([]uint8, MaxWeights+4)
	w.Encode(rec)
	assert.Len(t, DecodeWeight(rec).Weights, MaxWeights)

	m := Missed{Type: ConfigTimer, ConfigIndex: 0, Count: 17, CoreMask: 3, EndTick: 99}
	m.Encode(rec)
	assert.Equal(t, m, DecodeMissed(rec))

	b := Buffer{ClientID: 4, Core: 2, Records: 100, LastUserCSS: 97, Sequence: 12}
	b.Encode(rec)
	assert.Equal(t, b, DecodeBuffer(rec))

	p := ProcessID{Core: 1, PID: 100, ParentPID: 1, Tick: 5}
	p.Encode(rec)
	assert.Equal(t, p, DecodeProcessID(rec))
}

func TestPIDConfig(t *testing.T) {
	pids := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	dst := make([]byte, PIDConfigRecords(len(pids))*RecordSize)
	EncodePIDConfig(dst, pids)

	assert.Equal(t, pids[:PIDsPerRecord], DecodePIDConfig(dst[:RecordSize]))
	assert.Equal(t, pids[PIDsPerRecord:], DecodePIDConfig(dst[RecordSize:]))

	EncodePIDConfig(dst, nil)
	assert.Equal(t, RecPIDConfig, Type(dst))
	assert.Empty(t, DecodePIDConfig(dst))
}

func TestCallStackGroups(t *testing.T) {
	callers := []libpf.Address{0xfffff80000001000, 0xfffff80000002000, 0xfffff80000003000,
		0xfffff80000004000, 0xfffff80000005000}

	kernel := make([]byte, KernelCallStackRecords(len(callers), true)*RecordSize)
	EncodeKernelCallStack(kernel, callers, true)
	assert.Equal(t, 2, GroupRecords(kernel))
	cs, err := DecodeCallStack(kernel)
	require.NoError(t, err)
	assert.True(t, cs.Kernel)
	assert.True(t, cs.Is64)
	assert.Equal(t, []uint64{0xfffff80000001000, 0xfffff80000002000, 0xfffff80000003000,
		0xfffff80000004000, 0xfffff80000005000}, cs.Callers)

	user32 := []libpf.Address{0x00401005, 0x00402005, 0x00403005}
	user := make([]byte, UserCallStackRecords(len(user32), false)*RecordSize)
	hdr := UserCallStack{PID: 42, TID: 43, Core: 1, StartTick: 10, EndTick: 20}
	EncodeUserCallStack(user, &hdr, user32, false)
	assert.Equal(t, 2, GroupRecords(user))
	cs, err = DecodeCallStack(user)
	require.NoError(t, err)
	assert.False(t, cs.Kernel)
	assert.False(t, cs.Is64)
	assert.Equal(t, hdr, cs.UserCallStack)
	assert.Equal(t, []uint64{0x00401005, 0x00402005, 0x00403005}, cs.Callers)

	_, err = DecodeCallStack(user[:RecordSize])
	require.ErrorIs(t, err, ErrBadRecord)

	values := []StackValue{{Value: 1, Offset: 0}, {Value: 2, Offset: 4}, {Value: 3, Offset: 8},
		{Value: 4, Offset: 12}, {Value: 5, Offset: 16}}
	virtual := make([]byte, VirtualStackRecords(len(values))*RecordSize)
	EncodeVirtualStack(virtual, 0x800f00, 0x800f80, values, true)
	assert.Equal(t, 3, GroupRecords(virtual))
	vs, err := DecodeVirtualStack(virtual)
	require.NoError(t, err)
	assert.Equal(t, VirtualStack{Is64: true, SP: 0x800f00, FP: 0x800f80, Values: values}, vs)

	_, err = DecodeVirtualStack(kernel)
	require.ErrorIs(t, err, ErrBadRecord)
}

func TestRecordTypeString(t *testing.T) {
	assert.Equal(t, "kernel-css", RecKernelCSS.String())
	assert.Equal(t, "record(200)", RecordType(200).String())
	assert.False(t, RecordType(0).Valid())
	assert.False(t, numRecordTypes.Valid())
	assert.Equal(t, RecEvent, ConfigEvent.SampleType())
	assert.Equal(t, RecTimer, ConfigTimer.SampleType())
}
