// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics reports the profiler's own counters and gauges. The
// metrics are defined in metrics.json. Values are exported as OTel
// instruments and forwarded to registered reporters.
package metrics // import "go.opentelemetry.io/cpuprof/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.opentelemetry.io/cpuprof/vc"
)

// Reporter receives every batch of metrics.
type Reporter interface {
	ReportMetrics(timestamp uint32, ids []uint32, values []int64)
}

var (
	//go:embed metrics.json
	metricsJSON []byte

	// metricTypes holds the type of every defined, non-obsolete metric.
	metricTypes map[MetricID]MetricType

	// OTel metric instrumentation
	meter = otel.Meter("go.opentelemetry.io/cpuprof",
		metric.WithInstrumentationVersion(vc.Version()))
	counters = map[MetricID]metric.Int64Counter{}
	gauges   = map[MetricID]metric.Int64Gauge{}

	// mu serializes AddSlice and guards reporters.
	mu        sync.Mutex
	reporters []Reporter
)

func init() {
	defs, err := GetDefinitions()
	if err != nil {
		panic(err)
	}
	metricTypes = make(map[MetricID]MetricType, len(defs))
	for _, md := range defs {
		if md.Obsolete {
			continue
		}
		metricTypes[md.ID] = md.Type
		switch typ := md.Type; typ {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", typ))
		}
	}
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() ([]MetricDefinition, error) {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&defs); err != nil {
		return nil, fmt.Errorf("extracting definitions from metrics.json: %w", err)
	}
	return defs, nil
}

// AddReporter registers r for all following batches.
func AddReporter(r Reporter) {
	mu.Lock()
	defer mu.Unlock()
	reporters = append(reporters, r)
}

// RemoveReporter unregisters r.
func RemoveReporter(r Reporter) {
	mu.Lock()
	defer mu.Unlock()
	for i := range reporters {
		if reporters[i] == r {
			reporters = append(reporters[:i], reporters[i+1:]...)
			return
		}
	}
}

// AddSlice reports a batch of metrics. Unknown IDs are dropped, as are
// counters without change. Only the first value of an ID in a batch counts.
func AddSlice(newMetrics []Metric) {
	var seen [(IDMax + 63) / 64]uint64
	ids := make([]uint32, 0, len(newMetrics))
	values := make([]int64, 0, len(newMetrics))

	for _, m := range newMetrics {
		typ, ok := metricTypes[m.ID]
		if !ok || m.ID >= IDMax {
			log.Warnf("Invalid metric id %d, skipping", m.ID)
			continue
		}
		if m.Value == 0 && typ == MetricTypeCounter {
			continue
		}
		idx, mask := m.ID/64, uint64(1)<<(m.ID%64)
		if seen[idx]&mask != 0 {
			log.Warnf("Metric ID %d:%v reported multiple times", m.ID, m.Value)
			continue
		}
		seen[idx] |= mask
		ids = append(ids, uint32(m.ID))
		values = append(values, int64(m.Value))
	}
	if len(ids) == 0 {
		return
	}

	ctx := context.Background()
	for i, id := range ids {
		if counter, ok := counters[MetricID(id)]; ok {
			counter.Add(ctx, values[i])
		} else if gauge, ok := gauges[MetricID(id)]; ok {
			gauge.Record(ctx, values[i])
		}
	}

	now := uint32(time.Now().Unix())
	mu.Lock()
	defer mu.Unlock()
	for _, r := range reporters {
		r.ReportMetrics(now, ids, values)
	}
}

// Add reports a single metric.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}
