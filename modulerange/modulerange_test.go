// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package modulerange

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/unwindinfo"
)

func TestInsertLookup(t *testing.T) {
	idx := New(4)
	require.Equal(t, 3, idx.InsertRanges(irql.Passive, []Range{
		{Base: 0x7000, Size: 0x1000, Path: "c.dll"},
		{Base: 0x1000, Size: 0x1000, Path: "a.dll"},
		{Base: 0x3000, Size: 0x2000, Path: "b.dll"},
	}))

	tests := map[string]struct {
		addr libpf.Address
		path string
	}{
		"first byte":  {addr: 0x1000, path: "a.dll"},
		"last byte":   {addr: 0x1fff, path: "a.dll"},
		"end":         {addr: 0x2000},
		"middle":      {addr: 0x4567, path: "b.dll"},
		"last module": {addr: 0x7800, path: "c.dll"},
		"below":       {addr: 0x10},
		"above":       {addr: 0x9000},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			m := idx.Lookup(tc.addr)
			if tc.path == "" {
				assert.Nil(t, m)
				assert.False(t, idx.Contains(tc.addr))
				return
			}
			require.NotNil(t, m)
			assert.Equal(t, tc.path, m.Path)
		})
	}

	var bases []libpf.Address
	for _, m := range idx.Modules() {
		bases = append(bases, m.Base)
	}
	assert.Equal(t, []libpf.Address{0x1000, 0x3000, 0x7000}, bases)
}

func TestInsertRejects(t *testing.T) {
	idx := New(0)
	require.True(t, idx.Insert(irql.Passive, Range{Base: 0x1000, Size: 0x1000}))

	tests := map[string]struct {
		level irql.Level
		r     Range
	}{
		"overlaps start":     {level: irql.Passive, r: Range{Base: 0x800, Size: 0x900}},
		"overlaps end":       {level: irql.Passive, r: Range{Base: 0x1fff, Size: 0x10}},
		"contained":          {level: irql.Passive, r: Range{Base: 0x1100, Size: 0x10}},
		"empty":              {level: irql.Passive, r: Range{Base: 0x5000}},
		"wraps":              {level: irql.Passive, r: Range{Base: ^libpf.Address(0xff), Size: 0x1000}},
		"interrupt context":  {level: irql.Device, r: Range{Base: 0x9000, Size: 0x10}},
		"dispatch is too hi": {level: irql.Dispatch, r: Range{Base: 0x9000, Size: 0x10}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.False(t, idx.Insert(tc.level, tc.r))
			assert.Equal(t, 1, idx.Len())
		})
	}

	// Adjacent ranges do not overlap.
	assert.True(t, idx.Insert(irql.APC, Range{Base: 0x2000, Size: 0x10}))
	assert.True(t, idx.Insert(irql.APC, Range{Base: 0xff0, Size: 0x10}))
}

func TestRemoveClear(t *testing.T) {
	idx := New(2)
	idx.InsertRanges(irql.Passive, []Range{{Base: 0x1000, Size: 0x10}, {Base: 0x2000, Size: 0x10}})

	held := idx.Lookup(0x1000)
	assert.False(t, idx.Remove(irql.Passive, 0x1008))
	assert.False(t, idx.Remove(irql.Device, 0x1000))
	assert.True(t, idx.Remove(irql.Passive, 0x1000))
	assert.Nil(t, idx.Lookup(0x1000))
	assert.Equal(t, 1, idx.Len())
	// Modules handed out before removal stay usable.
	assert.Equal(t, libpf.Address(0x1000), held.Base)

	idx.Clear()
	assert.Zero(t, idx.Len())
	assert.Nil(t, idx.Lookup(0x2000))
}

func TestFunctionTable(t *testing.T) {
	idx := New(1)
	require.True(t, idx.Insert(irql.Passive, Range{Base: 0x10000, Size: 0x1000, Path: "x.dll"}))
	m := idx.Lookup(0x10000)

	img := unwindinfo.NewImage([]unwindinfo.Function{{Begin: 0x10, End: 0x20}})
	loads := 0
	fail := true
	load := func(path string) (*unwindinfo.Image, error) {
		loads++
		assert.Equal(t, "x.dll", path)
		if fail {
			return nil, errors.New("io error")
		}
		return img, nil
	}

	// Not built yet and not allowed to build.
	assert.Nil(t, m.FunctionTable(irql.Device, load))
	assert.Zero(t, loads)

	// A failed build is retried later.
	assert.Nil(t, m.FunctionTable(irql.Passive, load))
	fail = false
	table := m.FunctionTable(irql.Passive, load)
	require.NotNil(t, table)
	assert.Equal(t, libpf.Address(0x10000), table.Base)
	assert.Equal(t, 2, loads)

	// Built tables are available at any level.
	assert.Same(t, table, m.FunctionTable(irql.Device, nil))
	assert.Same(t, table, m.FunctionTable(irql.Passive, load))
	assert.Equal(t, 2, loads)

	other := idx.Modules()[0]
	other.SetFunctionTable(img)
	assert.Same(t, table, other.FunctionTable(irql.Device, nil))
}

func TestConcurrentLookup(t *testing.T) {
	idx := New(0)
	var wg sync.WaitGroup
	done := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if m := idx.Lookup(0x1000); m != nil {
					assert.Equal(t, libpf.Address(0x1000), m.Base)
				}
			}
		}()
	}
	for i := range 256 {
		base := libpf.Address(0x1000 + i*0x100)
		assert.True(t, idx.Insert(irql.Passive, Range{Base: base, Size: 0x100}))
	}
	close(done)
	wg.Wait()
	assert.Equal(t, 256, idx.Len())
}
