// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package proc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/modulerange"
)

func TestKernelRanges(t *testing.T) {
	ranges, err := KernelRanges("testdata/root")
	require.NoError(t, err)
	assert.Equal(t, []modulerange.Range{
		{Base: 0xffffffff81000000, Size: 0x1200000, Path: KernelPath},
		{Base: 0xffffffffc0330000, Size: 151552, Path: "hid"},
		{Base: 0xffffffffc0100000, Size: 57344, Path: "nvme"},
	}, ranges)

	// Check parsing as if we were non-root
	_, err = KernelRanges("testdata/noperm")
	require.ErrorIs(t, err, ErrNoPermission)

	_, err = KernelRanges("testdata/missing")
	require.Error(t, err)
}

func TestCodeRanges(t *testing.T) {
	ranges, err := CodeRanges("testdata/root", 100)
	require.NoError(t, err)
	assert.Equal(t, []modulerange.Range{
		{Base: 0x00400000, Size: 0x52000, Path: "/usr/bin/app"},
		{Base: 0x7f5822ebe000, Size: 0x1ba000, Path: "/lib/x86_64-linux-gnu/libc.so.6"},
	}, ranges)

	_, err = CodeRanges("testdata/root", 999)
	require.Error(t, err)
}

func TestChildren(t *testing.T) {
	children, err := Children("testdata/root", 100)
	require.NoError(t, err)
	assert.Equal(t, []libpf.PID{101}, children)

	children, err = Children("testdata/root", 101)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestIsPIDLive(t *testing.T) {
	live, err := IsPIDLive(libpf.PID(os.Getpid()))
	require.NoError(t, err)
	assert.True(t, live)
}
