// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package times // import "go.opentelemetry.io/cpuprof/times"

import _ "unsafe" // required to use //go:linkname for runtime.nanotime

// KTime stores a time value, retrieved from a monotonic clock, in nanoseconds
type KTime int64

// GetKTime gets the current time of the monotonic clock samples are stamped
// with. This relies on runtime.nanotime using CLOCK_MONOTONIC. Using this
// internal is superior in performance, as it is able to use the vDSO to query
// the time without syscall.
//
//go:noescape
//go:linkname GetKTime runtime.nanotime
func GetKTime() KTime
