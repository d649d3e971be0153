// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
)

func TestPotentialValues32(t *testing.T) {
	f := newStack32Fixture()
	const sp libpf.Address = 0x0010f0f0
	f.stack.put32(sp, 0x0010f200)
	f.stack.put32(sp+4, 0x00401005)
	f.code.callBefore(0x00401005)
	// In the module but not after a call.
	f.stack.put32(sp+8, 0x00401100)
	f.stack.put32(sp+12, 0x12345678)
	f.stack.put32(sp+16, uint32(stackHigh))

	tf := trapFrame32(0x00400800, sp, 0)
	values := make([]PotentialValue, 16)
	n := CaptureStackPotentialValues(f.env(t), irql.Passive, tf, values)
	assert.Equal(t, []PotentialValue{
		{Value: 0x0010f200, Offset: 0},
		{Value: 0x00401005, Offset: 4},
		{Value: uint32(stackHigh), Offset: 16},
	}, values[:n])

	n = CaptureStackPotentialValues(f.env(t), irql.Passive, tf, values[:1])
	assert.Equal(t, 1, n)

	// Nothing is pageable in interrupt context.
	assert.Zero(t, CaptureStackPotentialValues(f.env(t), irql.Device, tf, values))
	assert.Zero(t, CaptureStackPotentialValues(f.env(t), irql.Passive,
		trapFrame32(0x00400800, 0, 0), values))
}

func TestPotentialValues64(t *testing.T) {
	f := newStack64Fixture(t)
	f.stack.put64(sp64+8, 0x00800f80)
	f.stack.put64(sp64+24, uint64(imageBase+0x2010))
	f.code.callBefore(imageBase + 0x2010)

	tf := trapFrame64(imageBase+0x1050, nil)
	values := make([]PotentialValue, 16)
	n := CaptureStackPotentialValues(f.env(), irql.Passive, tf, values)
	assert.Equal(t, []PotentialValue{
		{Value: 0x00800f80, Offset: 8},
		{Value: 0, Offset: 12},
		{Value: 0x40002010, Offset: 24},
		{Value: 0x1, Offset: 28},
	}, values[:n])

	// A 64-bit value is never split.
	n = CaptureStackPotentialValues(f.env(), irql.Passive, tf, values[:3])
	assert.Equal(t, 2, n)
	assert.Zero(t, CaptureStackPotentialValues(f.env(), irql.Passive, tf, values[:1]))
}
