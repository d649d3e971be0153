// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cpuprof/driver"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/prdwriter"
)

func TestProcessWatcher(t *testing.T) {
	ctx := context.Background()
	dev, err := driver.New(driver.Config{NumCores: 1})
	require.NoError(t, err)
	defer dev.Close(ctx)

	client, err := dev.RegisterClient("test")
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, client.SetOutput(&out, prdwriter.Options{}))
	require.NoError(t, client.SetTimerConfiguration(driver.TimerConfig{
		Interval: time.Millisecond,
	}))
	require.NoError(t, client.SetPIDFilter([]libpf.PID{300}, true))
	require.NoError(t, client.Start(ctx))

	exited := libpf.Set[libpf.PID]{}
	w := newProcessWatcher(dev, client, "testdata/proc")
	w.isLive = func(pid libpf.PID) (bool, error) {
		_, ok := exited[pid]
		return !ok, nil
	}

	w.scan()
	assert.ElementsMatch(t, []libpf.PID{300, 301}, client.AttachedProcesses())
	w.scan()
	assert.ElementsMatch(t, []libpf.PID{300, 301, 302}, client.AttachedProcesses())

	exited[301] = libpf.Void{}
	w.scan()
	assert.ElementsMatch(t, []libpf.PID{300, 302}, client.AttachedProcesses())

	require.NoError(t, client.Stop(ctx))

	r, err := prd.NewReader(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	defer r.Close()
	s, err := prd.Summarize(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Groups[prd.RecProcessID])
}
