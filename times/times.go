// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package times centralises the intervals and timeouts of the sampling
// driver and provides the monotonic clock samples are stamped with.
package times // import "go.opentelemetry.io/cpuprof/times"

import "time"

const (
	// ReaperInterval is how often the reaper wakes up without being signaled.
	ReaperInterval = 100 * time.Millisecond
	// UserStackPollInterval is how often pending user stack walks are drained
	// without being triggered.
	UserStackPollInterval = 10 * time.Millisecond
	// MetricsInterval is how often driver counters are reported.
	MetricsInterval = 5 * time.Second
	// StopTimeout bounds how long stopping a session waits for the reaper.
	StopTimeout = 30 * time.Second
)

// Compile time check for interface adherence
var _ IntervalsAndTimers = (*Times)(nil)

// Times hold all the intervals and timeouts that are used across the driver in a central place
// and comes with Getters to read them.
type Times struct {
	reaperInterval        time.Duration
	userStackPollInterval time.Duration
	metricsInterval       time.Duration
	stopTimeout           time.Duration
}

// IntervalsAndTimers is a meta-interface that exists purely to document its functionality.
type IntervalsAndTimers interface {
	// ReaperInterval defines how often the reaper drains its queue without
	// being signaled.
	ReaperInterval() time.Duration
	// UserStackPollInterval defines how often deferred user stack walks are
	// drained without being triggered.
	UserStackPollInterval() time.Duration
	// MetricsInterval defines the interval at which driver counters are reported.
	MetricsInterval() time.Duration
	// StopTimeout defines how long stopping a session waits for the output
	// to be flushed.
	StopTimeout() time.Duration
}

func (t *Times) ReaperInterval() time.Duration { return t.reaperInterval }

func (t *Times) UserStackPollInterval() time.Duration { return t.userStackPollInterval }

func (t *Times) MetricsInterval() time.Duration { return t.metricsInterval }

func (t *Times) StopTimeout() time.Duration { return t.stopTimeout }

// New returns a new Times instance. A zero reaperInterval or metricsInterval
// selects the default.
func New(reaperInterval, metricsInterval time.Duration) *Times {
	if reaperInterval <= 0 {
		reaperInterval = ReaperInterval
	}
	if metricsInterval <= 0 {
		metricsInterval = MetricsInterval
	}
	return &Times{
		reaperInterval:        reaperInterval,
		userStackPollInterval: UserStackPollInterval,
		metricsInterval:       metricsInterval,
		stopTimeout:           StopTimeout,
	}
}
