// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !amd64

package perfsource // import "go.opentelemetry.io/cpuprof/perfsource"

// User stacks are only walked for amd64 processes.
const userRegisterMask = 0

func userRegisters([]uint64) (ip, sp, fp uint64) {
	return 0, 0, 0
}
