// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/cpuprof/internal/controller"

import (
	"go.opentelemetry.io/cpuprof/driver"
	"go.opentelemetry.io/cpuprof/libpf/xsync"
	"go.opentelemetry.io/cpuprof/metrics"
	"go.opentelemetry.io/cpuprof/perfsource"
	"go.opentelemetry.io/cpuprof/stackwalk"
)

// statsSource is the part of the device the metrics are read from.
type statsSource interface {
	Stats() driver.Stats
	Dispatcher() *stackwalk.Dispatcher
}

type countersSource interface {
	Counters() perfsource.Counters
}

// totals are the values of the previous report.
type totals struct {
	stats driver.Stats
	perf  perfsource.Counters
}

// driverMetrics turns the device totals into metric deltas.
type driverMetrics struct {
	dev    statsSource
	source countersSource
	prev   xsync.RWMutex[totals]
}

func newDriverMetrics(dev statsSource, source countersSource) *driverMetrics {
	return &driverMetrics{dev: dev, source: source}
}

// delta returns now-prev, or now if the totals were reset by a new session.
func delta(now, prev uint64) metrics.MetricValue {
	if now < prev {
		return metrics.MetricValue(now)
	}
	return metrics.MetricValue(now - prev)
}

func (m *driverMetrics) report() {
	prev := m.prev.WLock()
	defer m.prev.WUnlock(&prev)

	s := m.dev.Stats()
	walks := m.dev.Dispatcher().SwapCounters()
	batch := []metrics.Metric{
		{ID: metrics.IDSamplesRecorded, Value: delta(s.Samples, prev.stats.Samples)},
		{ID: metrics.IDSamplesMissed, Value: delta(s.MissedSamples, prev.stats.MissedSamples)},
		{ID: metrics.IDBuffersWritten, Value: delta(s.Buffers, prev.stats.Buffers)},
		{ID: metrics.IDBytesWritten, Value: delta(s.Bytes, prev.stats.Bytes)},
		{ID: metrics.IDWriteErrors, Value: delta(s.WriteErrors, prev.stats.WriteErrors)},
		{ID: metrics.IDKernelWalks, Value: metrics.MetricValue(walks.KernelWalks)},
		{ID: metrics.IDKernelWalkFailures, Value: metrics.MetricValue(walks.KernelWalkFailures)},
		{ID: metrics.IDUserWalks, Value: metrics.MetricValue(walks.UserWalks)},
		{ID: metrics.IDUserWalkFailures, Value: metrics.MetricValue(walks.UserWalkFailures)},
		{ID: metrics.IDFramesRecovered, Value: metrics.MetricValue(walks.Frames)},
		{ID: metrics.IDUserStackRequestsDropped,
			Value: metrics.MetricValue(walks.DroppedRequests)},
		{ID: metrics.IDPoolFreeBuffers, Value: metrics.MetricValue(s.FreeBuffers)},
		{ID: metrics.IDReaperQueueDepth, Value: metrics.MetricValue(s.QueuedBuffers)},
	}
	prev.stats = s

	if m.source != nil {
		pc := m.source.Counters()
		batch = append(batch,
			metrics.Metric{ID: metrics.IDPerfSamples, Value: delta(pc.Samples, prev.perf.Samples)},
			metrics.Metric{ID: metrics.IDPerfLost, Value: delta(pc.Lost, prev.perf.Lost)})
		prev.perf = pc
	}
	metrics.AddSlice(batch)
}
