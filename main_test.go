// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cpuprof/internal/controller"
	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/prdwriter"
)

func TestParseRecordArgs(t *testing.T) {
	t.Setenv("CPUPROF_FREQUENCY", "250")
	t.Setenv("CPUPROF_CALL_STACKS", "kernel")

	args, err := parseRecordArgs([]string{"-o", "out.prd", "-duration", "3s"})
	require.NoError(t, err)
	assert.Equal(t, "out.prd", args.Output)
	assert.Equal(t, 3*time.Second, args.Duration)
	assert.Equal(t, uint(250), args.Frequency)
	assert.Equal(t, controller.CallStacksKernel, args.CallStacks)
	assert.Equal(t, defaultArgBufferSize, args.BufferSize)
	require.NoError(t, args.Validate())
}

func TestParseRecordArgsConfigFile(t *testing.T) {
	config := filepath.Join(t.TempDir(), "cpuprof.conf")
	require.NoError(t, os.WriteFile(config,
		[]byte("depth 512\ncall-stacks all\nunknown-option 1\n"), 0o600))

	args, err := parseRecordArgs([]string{"-config", config})
	require.NoError(t, err)
	assert.Equal(t, uint(512), args.Depth)
	assert.Equal(t, controller.CallStacksAll, args.CallStacks)

	_, err = parseRecordArgs([]string{"-config", filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
}

func writeStream(t *testing.T, path string) {
	t.Helper()
	w, err := prdwriter.Create(path, prdwriter.Options{Compression: prdwriter.Zstd})
	require.NoError(t, err)

	require.NoError(t, w.WriteHeader(prd.Header{
		CoreCount:      2,
		StartTime:      uint64(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).UnixNano()),
		TimerFrequency: 1e9,
	}, &prd.ExtHeader{
		ConfigCount: 1,
		Flags:       prd.ExtSystemWide,
		SessionID:   uuid.MustParse("4b1f6a52-5d0c-4e77-9a3e-0f1d2c3b4a59"),
	}))
	require.NoError(t, w.WriteConfig(prd.Config{
		Type:   prd.ConfigTimer,
		Period: uint64(time.Millisecond),
	}))
	require.NoError(t, w.WriteMissed(prd.Missed{
		Type:  prd.ConfigTimer,
		Count: 7,
	}))
	require.NoError(t, w.Close())
}

func TestDump(t *testing.T) {
	file := filepath.Join(t.TempDir(), "session.prd")
	writeStream(t, file)

	var out bytes.Buffer
	cmd := newDumpCmd(&out)
	require.NoError(t, cmd.ParseAndRun(context.Background(), []string{file}))

	text := out.String()
	assert.Contains(t, text, "4b1f6a52-5d0c-4e77-9a3e-0f1d2c3b4a59")
	assert.Contains(t, text, "2024-05-01T00:00:00Z")
	assert.Regexp(t, `missed:\s+7`, text)
	assert.Regexp(t, `system wide:\s+true`, text)
	assert.Regexp(t, `config 0:\s+timer`, text)
}

func TestDumpErrors(t *testing.T) {
	var out bytes.Buffer
	err := newDumpCmd(&out).ParseAndRun(context.Background(), nil)
	var exitErr controller.ErrorWithExitCode
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, int(exitParseError), exitErr.Code())

	bogus := filepath.Join(t.TempDir(), "bogus.prd")
	require.NoError(t, os.WriteFile(bogus, bytes.Repeat([]byte{0xaa}, 64), 0o600))
	err = newDumpCmd(&out).ParseAndRun(context.Background(), []string{bogus})
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, int(exitFailure), exitErr.Code())
}
