// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package samplebuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/prd"
)

func TestNew(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)

	b, err := New(8)
	require.NoError(t, err)
	assert.Equal(t, 8, b.Cap())
	assert.Equal(t, 8, b.Remaining())
	assert.Len(t, b.data, 9*prd.RecordSize)
}

func TestAcquireNextRecord(t *testing.T) {
	b, err := New(4)
	require.NoError(t, err)
	b.Initialize(1, 2, 3)

	assert.Nil(t, b.AcquireNextRecord(0))
	assert.Nil(t, b.AcquireNextRecord(5))
	assert.Zero(t, b.Len())

	rec := b.AcquireNextRecord(3)
	require.Len(t, rec, 3*prd.RecordSize)
	assert.True(t, b.HasEnoughSpace(1))
	assert.False(t, b.HasEnoughSpace(2))
	// A reservation that does not fit leaves the buffer untouched.
	assert.Nil(t, b.AcquireNextRecord(2))
	assert.Equal(t, 3, b.Len())
	assert.Len(t, b.AcquireNextRecord(1), prd.RecordSize)
	assert.Zero(t, b.Remaining())
	assert.Zero(t, b.Violations())
}

func TestAppend(t *testing.T) {
	b, err := New(16)
	require.NoError(t, err)
	b.Initialize(4, 1, 9)

	callers := []libpf.Address{0x1000, 0x2000, 0x3000, 0x4000, 0x5000}
	s := prd.Sample{Type: prd.RecTimer, Core: 1, PID: 10, IP: 0x1000, Tick: 5}
	w := prd.Weight{ResourceType: prd.ConfigTimer, Core: 1, Weights: []uint8{2}}
	p := prd.ProcessID{Core: 1, PID: 11, ParentPID: 10}

	assert.Equal(t, 1, b.AppendSampleData(&s))
	assert.Equal(t, 2, b.AppendKernelCallStack(callers, true))
	assert.Equal(t, 1, b.AppendResourceWeights(&w))
	assert.Equal(t, 3, b.AppendUserCallStack(&prd.UserCallStack{PID: 10}, callers, true))
	assert.Equal(t, 2, b.AppendVirtualStack(0x7000, 0x7100,
		[]prd.StackValue{{Value: 1}, {Value: 2, Offset: 4}}, false))
	assert.Equal(t, 1, b.AppendProcessID(&p))
	assert.Equal(t, 10, b.Len())

	b.Finalize()
	data := b.Bytes()
	require.Len(t, data, 11*prd.RecordSize)

	lead := prd.DecodeBuffer(data)
	assert.Equal(t, prd.Buffer{ClientID: 4, Core: 1, Records: 10, LastUserCSS: 5, Sequence: 9}, lead)

	var types []prd.RecordType
	for off := prd.RecordSize; off < len(data); {
		n := prd.GroupRecords(data[off:])
		types = append(types, prd.Type(data[off:]))
		off += n * prd.RecordSize
	}
	assert.Equal(t, []prd.RecordType{prd.RecTimer, prd.RecKernelCSS, prd.RecWeight,
		prd.RecUserCSS, prd.RecVirtualStack, prd.RecProcessID}, types)

	// Records are laid out back to back behind the leading record.
	userCSS := data[int(lead.LastUserCSS)*prd.RecordSize:]
	cs, err := prd.DecodeCallStack(userCSS)
	require.NoError(t, err)
	assert.Len(t, cs.Callers, len(callers))
}

func TestAppendIsAllOrNothing(t *testing.T) {
	callers := make([]libpf.Address, 10)
	tests := map[string]struct {
		append func(b *Buffer) int
		need   int
	}{
		"kernel call stack": {
			append: func(b *Buffer) int { return b.AppendKernelCallStack(callers, true) },
			need:   prd.KernelCallStackRecords(len(callers), true),
		},
		"user call stack": {
			append: func(b *Buffer) int {
				return b.AppendUserCallStack(&prd.UserCallStack{}, callers, true)
			},
			need: prd.UserCallStackRecords(len(callers), true),
		},
		"virtual stack": {
			append: func(b *Buffer) int {
				return b.AppendVirtualStack(0, 0, make([]prd.StackValue, 9), true)
			},
			need: prd.VirtualStackRecords(9),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			b, err := New(tc.need)
			require.NoError(t, err)
			b.Initialize(0, 0, 0)
			require.Equal(t, 1, b.AppendSampleData(&prd.Sample{Type: prd.RecTimer}))

			assert.Zero(t, tc.append(b))
			assert.Equal(t, 1, b.Len())

			b.Initialize(0, 0, 1)
			assert.Equal(t, tc.need, tc.append(b))
			assert.Zero(t, b.Remaining())
		})
	}
}

func TestLastUserCSSResets(t *testing.T) {
	b, err := New(8)
	require.NoError(t, err)
	b.Initialize(0, 0, 0)
	b.AppendUserCallStack(&prd.UserCallStack{}, []libpf.Address{1}, false)
	b.Finalize()
	assert.EqualValues(t, 1, prd.DecodeBuffer(b.Bytes()).LastUserCSS)

	b.Initialize(0, 0, 1)
	b.Finalize()
	lead := prd.DecodeBuffer(b.Bytes())
	assert.Zero(t, lead.LastUserCSS)
	assert.Zero(t, lead.Records)
	assert.Len(t, b.Bytes(), prd.RecordSize)
}

func TestConcurrentAppendIsDetected(t *testing.T) {
	b, err := New(1 << 16)
	require.NoError(t, err)
	b.Initialize(0, 0, 0)

	// Exclusive use never trips the detector.
	for range 1000 {
		b.AcquireNextRecord(1)
	}
	require.Zero(t, b.Violations())

	// Simulate a second writer being inside AcquireNextRecord.
	b.writers.Add(1)
	b.AcquireNextRecord(1)
	b.writers.Add(-1)
	assert.EqualValues(t, 1, b.Violations())
}
