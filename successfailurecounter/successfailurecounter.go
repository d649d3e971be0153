// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// successfailurecounter counts the outcome of operations that either succeed
// or fail, such as stack walks.
//
// A SuccessFailureCounter is **not** thread safe. It is meant to be used by a
// single operation. The Counters it reports into can be shared freely.
package successfailurecounter // import "go.opentelemetry.io/cpuprof/successfailurecounter"

import (
	"sync/atomic"
)

// Counters accumulates outcomes.
type Counters struct {
	success, failure atomic.Uint64
}

// Begin returns a SuccessFailureCounter for one operation reporting into c.
func (c *Counters) Begin() SuccessFailureCounter {
	return SuccessFailureCounter{counters: c}
}

// Report counts one outcome.
func (c *Counters) Report(ok bool) {
	if ok {
		c.success.Add(1)
	} else {
		c.failure.Add(1)
	}
}

// Load returns the current counts.
func (c *Counters) Load() (success, failure uint64) {
	return c.success.Load(), c.failure.Load()
}

// Swap returns the current counts and resets them.
func (c *Counters) Swap() (success, failure uint64) {
	return c.success.Swap(0), c.failure.Swap(0)
}

// SuccessFailureCounter reports the outcome of one operation exactly once.
// Later reports are ignored. Nothing in here may log or allocate, it is used
// from interrupt context.
type SuccessFailureCounter struct {
	counters *Counters
	sealed   bool
}

// ReportSuccess counts a success unless an outcome was reported already.
func (sfc *SuccessFailureCounter) ReportSuccess() {
	if sfc.sealed {
		return
	}
	sfc.counters.success.Add(1)
	sfc.sealed = true
}

// ReportFailure counts a failure unless an outcome was reported already.
func (sfc *SuccessFailureCounter) ReportFailure() {
	if sfc.sealed {
		return
	}
	sfc.counters.failure.Add(1)
	sfc.sealed = true
}

// DefaultToSuccess counts a success if no outcome was reported before.
func (sfc *SuccessFailureCounter) DefaultToSuccess() {
	sfc.ReportSuccess()
}

// DefaultToFailure counts a failure if no outcome was reported before.
func (sfc *SuccessFailureCounter) DefaultToFailure() {
	sfc.ReportFailure()
}

// Sealed reports whether an outcome was reported.
func (sfc *SuccessFailureCounter) Sealed() bool {
	return sfc.sealed
}
