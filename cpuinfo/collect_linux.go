// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cpuinfo // import "go.opentelemetry.io/cpuprof/cpuinfo"

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/cpuprof/prd"
)

// collect runs CPUID on every core by pinning one goroutine to each.
func collect(coreIDs []int) ([]prd.CPUInfo, error) {
	infos := make([]prd.CPUInfo, len(coreIDs))

	// cpuid.Detect writes the package level cpuid.CPU.
	mx := sync.Mutex{}
	g := errgroup.Group{}
	for i, cpuID := range coreIDs {
		g.Go(func() error {
			// The thread is not unlocked. It exits with the goroutine
			// together with its changed affinity.
			runtime.LockOSThread()
			mask := &unix.CPUSet{}
			mask.Zero()
			mask.Set(cpuID)
			err := unix.SchedSetaffinity(0, mask)

			mx.Lock()
			defer mx.Unlock()
			cpuid.Detect()
			infos[i] = fromCPUID(cpuID, &cpuid.CPU)
			if err != nil {
				return fmt.Errorf("could not set CPU affinity on core %d: %w", cpuID, err)
			}
			return nil
		})
	}
	return infos, g.Wait()
}
