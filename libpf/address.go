// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/cpuprof/libpf"

// Address represents a virtual address in the sampled machine. It is 64 bits
// wide regardless of the width of the code that was interrupted.
type Address uint64

// InRange reports whether adr lies within [start, end).
func (adr Address) InRange(start, end Address) bool {
	return adr >= start && adr < end
}
