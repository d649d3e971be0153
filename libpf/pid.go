// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/cpuprof/libpf"

// PID represents an OS process ID.
type PID uint32

// TID represents an OS thread ID.
type TID uint32
