// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package prdwriter

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/prd"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseCompression(t *testing.T) {
	tests := map[string]struct {
		want    Compression
		wantErr bool
	}{
		"":     {want: None},
		"none": {want: None},
		"ZSTD": {want: Zstd},
		"gzip": {want: Gzip},
		"lz4":  {wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := ParseCompression(name)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, c)
			assert.Equal(t, c, must(ParseCompression(c.String())))
		})
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// record writes a complete session with two cores.
func record(t *testing.T, w *Writer) {
	t.Helper()
	require.NoError(t, w.WriteHeader(prd.Header{CoreCount: 2, TimerFrequency: 1e9},
		&prd.ExtHeader{ConfigCount: 1}))
	require.NoError(t, w.WriteCPUInfo([]prd.CPUInfo{{Core: 0}, {Core: 1}}))
	require.NoError(t, w.WritePIDList([]uint32{100}))
	require.NoError(t, w.WriteConfig(prd.Config{Type: prd.ConfigTimer, Period: 1e6, CoreMask: 3}))

	require.NoError(t, w.ActivateAsync(context.Background(), AsyncOptions{
		Slots:    2,
		Buffers:  8,
		Capacity: 8,
	}))
	require.ErrorIs(t, w.ActivateAsync(context.Background(), AsyncOptions{Slots: 2}),
		ErrAsyncActive)

	callers := []libpf.Address{0xfffff80000001000, 0xfffff80000002000}
	for i := range 20 {
		core := i % 2
		n := 1 + prd.KernelCallStackRecords(len(callers), true)
		buf := w.Reserve(irql.Device, core, n)
		require.NotNil(t, buf)
		buf.AppendSampleData(&prd.Sample{Type: prd.RecTimer, Flags: prd.FlagKernel | prd.Flag64,
			Core: uint16(core), PID: 100, IP: uint64(callers[0]), Tick: uint64(i)})
		buf.AppendKernelCallStack(callers, true)
	}
	require.NoError(t, w.DeactivateAsync())
	require.ErrorIs(t, w.DeactivateAsync(), ErrAsyncInactive)
	assert.Nil(t, w.Reserve(irql.Device, 0, 1))

	require.NoError(t, w.WriteMissed(prd.Missed{Type: prd.ConfigTimer, Count: 2, CoreMask: 3}))
}

func TestWriter(t *testing.T) {
	for _, c := range []Compression{None, Zstd, Gzip} {
		t.Run(c.String(), func(t *testing.T) {
			var out bytes.Buffer
			w, err := Open(&out, Options{Compression: c})
			require.NoError(t, err)
			record(t, w)

			stats := w.Stats()
			// 10 samples of 2 records per core, 4 per buffer of 8.
			assert.EqualValues(t, 6, stats.Reaper.Buffers)
			assert.EqualValues(t, 40, stats.Reaper.Records)
			assert.EqualValues(t, 2+2+1+1+46+1, stats.Records)
			require.NoError(t, w.Close())
			require.ErrorIs(t, w.Close(), ErrNotOpened)
			require.ErrorIs(t, w.WriteMissed(prd.Missed{}), ErrNotOpened)

			r, err := prd.NewReader(&out)
			require.NoError(t, err)
			defer r.Close()
			s, err := prd.Summarize(r)
			require.NoError(t, err)

			assert.EqualValues(t, 2, s.Header.CoreCount)
			assert.EqualValues(t, 20, s.Samples())
			assert.EqualValues(t, 40, s.Frames)
			assert.EqualValues(t, 2, s.MissedSamples())
			assert.EqualValues(t, 6, s.Groups[prd.RecBuffer])
			assert.Len(t, s.CPUs, 2)
			assert.Equal(t, []uint32{100}, s.PIDs)
			assert.EqualValues(t, 19, s.LastTick)
		})
	}
}

func TestWriterOrdering(t *testing.T) {
	var out bytes.Buffer
	w, err := Open(&out, Options{})
	require.NoError(t, err)

	require.Error(t, w.WriteConfig(prd.Config{}), "header must come first")
	require.NoError(t, w.WriteHeader(prd.Header{}, nil))
	require.ErrorIs(t, w.WriteHeader(prd.Header{}, nil), ErrHeaderWritten)
	require.NoError(t, w.WriteCPUInfo(nil))
	require.NoError(t, w.Close())

	h, err := prd.DecodeHeader(out.Bytes())
	require.NoError(t, err)
	assert.EqualValues(t, prd.Version, h.Version)
	assert.Len(t, out.Bytes(), prd.RecordSize)
}

func TestCloseDeactivates(t *testing.T) {
	var out bytes.Buffer
	w, err := Open(&out, Options{})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(prd.Header{}, nil))
	require.NoError(t, w.ActivateAsync(context.Background(), AsyncOptions{Slots: 1, Buffers: 1}))

	buf := w.Reserve(irql.Device, 0, 1)
	require.NotNil(t, buf)
	buf.AppendSampleData(&prd.Sample{Type: prd.RecTimer})
	assert.Zero(t, w.PoolFree())

	require.NoError(t, w.Close())
	// Header, buffer record and sample.
	assert.Len(t, out.Bytes(), 3*prd.RecordSize)
}

func TestCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.prd")
	w, err := Create(path, Options{Compression: Zstd})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(prd.Header{CoreCount: 1}, nil))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := prd.NewReader(f)
	require.NoError(t, err)
	defer r.Close()
	assert.EqualValues(t, 1, r.Header().CoreCount)

	_, err = Create(filepath.Join(path, "nested"), Options{})
	require.Error(t, err)
}
