// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentmetrics reports resource usage of the profiler process itself.
package agentmetrics // import "go.opentelemetry.io/cpuprof/metrics/agentmetrics"

import (
	"context"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/cpuprof/metrics"
	"go.opentelemetry.io/cpuprof/periodiccaller"
)

// rusageTimes holds the CPU times of the previous report.
type rusageTimes struct {
	utime unix.Timeval
	stime unix.Timeval
}

// timeDelta returns now-prev in milliseconds.
func timeDelta(now, prev unix.Timeval) int64 {
	secDelta := (now.Sec - prev.Sec) * 1000
	usecDelta := (now.Usec - prev.Usec) / 1000
	return int64(secDelta) + int64(usecDelta)
}

func (r *rusageTimes) report() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		log.Errorf("Failed to fetch rusage: %v", err)
		return
	}

	deltaStime := timeDelta(rusage.Stime, r.stime)
	deltaUtime := timeDelta(rusage.Utime, r.utime)
	r.stime = rusage.Stime
	r.utime = rusage.Utime

	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDAgentGoRoutines, Value: metrics.MetricValue(runtime.NumGoroutine())},
		{ID: metrics.IDAgentHeapAlloc, Value: metrics.MetricValue(stats.HeapAlloc)},
		{ID: metrics.IDAgentUTime, Value: metrics.MetricValue(deltaUtime)},
		{ID: metrics.IDAgentSTime, Value: metrics.MetricValue(deltaStime)},
	})
}

// Start reports the process metrics every interval. The returned function
// stops the reporting and waits for it to finish.
func Start(ctx context.Context, interval time.Duration) (func(), error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		return func() {}, err
	}
	prev := rusageTimes{
		utime: rusage.Utime,
		stime: rusage.Stime,
	}

	ctx, cancel := context.WithCancel(ctx)
	done := periodiccaller.Start(ctx, interval, prev.report)

	return func() {
		cancel()
		<-done
	}, nil
}
