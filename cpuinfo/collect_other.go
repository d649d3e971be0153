// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package cpuinfo // import "go.opentelemetry.io/cpuprof/cpuinfo"

import (
	"github.com/klauspost/cpuid/v2"

	"go.opentelemetry.io/cpuprof/prd"
)

// collect reports the current core for every core.
func collect(coreIDs []int) ([]prd.CPUInfo, error) {
	infos := make([]prd.CPUInfo, len(coreIDs))
	for i, cpuID := range coreIDs {
		infos[i] = fromCPUID(cpuID, &cpuid.CPU)
	}
	return infos, nil
}
