// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/modulerange"
	"go.opentelemetry.io/cpuprof/remotememory"
)

// memRegion is a writable byte range used to build test address spaces.
type memRegion struct {
	start    libpf.Address
	data     []byte
	resident bool
}

func newRegion(start libpf.Address, size int) *memRegion {
	return &memRegion{start: start, data: make([]byte, size)}
}

func (r *memRegion) put32(addr libpf.Address, v uint32) {
	binary.LittleEndian.PutUint32(r.data[addr-r.start:], v)
}

func (r *memRegion) put64(addr libpf.Address, v uint64) {
	binary.LittleEndian.PutUint64(r.data[addr-r.start:], v)
}

// callBefore places a call rel32 so that it ends at ret.
func (r *memRegion) callBefore(ret libpf.Address) {
	r.data[ret-5-r.start] = 0xe8
}

func snapshotOf(regions ...*memRegion) remotememory.RemoteMemory {
	rs := make([]remotememory.Region, 0, len(regions))
	for _, r := range regions {
		rs = append(rs, remotememory.Region{Start: r.start, Data: r.data, Resident: r.resident})
	}
	return remotememory.NewSnapshot(rs...).Memory()
}

func moduleIndex(t *testing.T, ranges ...modulerange.Range) *modulerange.Index {
	t.Helper()
	idx := modulerange.New(len(ranges))
	for _, r := range ranges {
		require.True(t, idx.Insert(irql.Passive, r))
	}
	return idx
}
