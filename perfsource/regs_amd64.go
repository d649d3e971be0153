// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfsource // import "go.opentelemetry.io/cpuprof/perfsource"

// perf register numbers of BP, SP and IP. Sampled registers are stored in
// ascending number order.
const (
	regBP = 6
	regSP = 7
	regIP = 8

	userRegisterMask = 1<<regBP | 1<<regSP | 1<<regIP
)

func userRegisters(regs []uint64) (ip, sp, fp uint64) {
	if len(regs) != 3 {
		return 0, 0, 0
	}
	return regs[2], regs[1], regs[0]
}
