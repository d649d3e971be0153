// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/cpuprof/metrics"

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// PrometheusReporter mirrors all metrics into a Prometheus registry.
type PrometheusReporter struct {
	counters map[MetricID]prometheus.Counter
	gauges   map[MetricID]prometheus.Gauge
}

var _ Reporter = (*PrometheusReporter)(nil)

// PrometheusName returns the Prometheus name of a metric field.
func PrometheusName(field string) string {
	return strings.ReplaceAll(field, ".", "_")
}

// NewPrometheusReporter registers one collector per defined metric with reg.
func NewPrometheusReporter(reg prometheus.Registerer) (*PrometheusReporter, error) {
	defs, err := GetDefinitions()
	if err != nil {
		return nil, err
	}
	r := &PrometheusReporter{
		counters: make(map[MetricID]prometheus.Counter),
		gauges:   make(map[MetricID]prometheus.Gauge),
	}
	for _, md := range defs {
		if md.Obsolete {
			continue
		}
		var c prometheus.Collector
		switch md.Type {
		case MetricTypeCounter:
			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: PrometheusName(md.Field) + "_total",
				Help: md.Description,
			})
			r.counters[md.ID] = counter
			c = counter
		case MetricTypeGauge:
			gauge := prometheus.NewGauge(prometheus.GaugeOpts{
				Name: PrometheusName(md.Field),
				Help: md.Description,
			})
			r.gauges[md.ID] = gauge
			c = gauge
		}
		if err = reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ReportMetrics implements Reporter.
func (r *PrometheusReporter) ReportMetrics(_ uint32, ids []uint32, values []int64) {
	for i := 0; i < len(ids) && i < len(values); i++ {
		id := MetricID(ids[i])
		if counter, ok := r.counters[id]; ok {
			if values[i] > 0 {
				counter.Add(float64(values[i]))
			}
		} else if gauge, ok := r.gauges[id]; ok {
			gauge.Set(float64(values[i]))
		} else {
			log.Warnf("Unknown metric ID: %d", id)
		}
	}
}

// Handler serves the metrics of reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
