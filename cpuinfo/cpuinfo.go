// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package cpuinfo collects the per-core CPU description written to the head
// of every stream.
package cpuinfo // import "go.opentelemetry.io/cpuprof/cpuinfo"

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"go.opentelemetry.io/cpuprof/prd"
)

const (
	OnlinePath  = "/sys/devices/system/cpu/online"
	PresentPath = "/sys/devices/system/cpu/present"
	sysCPUPath  = "/sys/devices/system/cpu"
)

// OnlineCores returns the IDs of the online cores.
func OnlineCores() ([]int, error) {
	return ParseCPUCoreIDs(OnlinePath)
}

// PresentCores returns the number of present cores.
func PresentCores() (int, error) {
	ids, err := ParseCPUCoreIDs(PresentPath)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ParseCPUCoreIDs reads a core list file from /sys and returns the core IDs.
func ParseCPUCoreIDs(cpuPath string) ([]int, error) {
	buf, err := os.ReadFile(cpuPath)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", cpuPath, err)
	}
	return readCPURange(string(buf))
}

// readCPURange parses the comma separated list of single values and ranges
// used by /sys/devices/system/cpu.
// Reference: https://www.kernel.org/doc/Documentation/admin-guide/cputopology.rst
func readCPURange(cpuRangeStr string) ([]int, error) {
	var cpus []int
	cpuRangeStr = strings.Trim(cpuRangeStr, "\n ")
	for cpuRange := range strings.SplitSeq(cpuRangeStr, ",") {
		rangeOp := strings.SplitN(cpuRange, "-", 2)
		first, err := strconv.ParseUint(rangeOp[0], 10, 32)
		if err != nil {
			return nil, err
		}
		if len(rangeOp) == 1 {
			cpus = append(cpus, int(first))
			continue
		}
		last, err := strconv.ParseUint(rangeOp[1], 10, 32)
		if err != nil {
			return nil, err
		}
		if last < first {
			return nil, fmt.Errorf("invalid cpu range %q", cpuRange)
		}
		for n := first; n <= last; n++ {
			cpus = append(cpus, int(n))
		}
	}
	return cpus, nil
}

// fromCPUID converts the result of cpuid.Detect for one core.
func fromCPUID(core int, c *cpuid.CPUInfo) prd.CPUInfo {
	vendor := c.VendorString
	if len(vendor) > 12 {
		vendor = vendor[:12]
	}
	return prd.CPUInfo{
		Core:     uint16(core),
		Family:   uint16(c.Family),
		Model:    uint16(c.Model),
		Stepping: uint16(c.Stepping),
		ClockMHz: uint32(max(c.Hz, c.BoostFreq) / 1e6),
		Vendor:   vendor,
	}
}

// readTopology fills in the package and core ID of info from sysfs. Missing
// files leave the fields at zero.
func readTopology(root string, info *prd.CPUInfo) {
	dir := filepath.Join(root, fmt.Sprintf("cpu%d", info.Core), "topology")
	if v, err := readUint(filepath.Join(dir, "physical_package_id")); err == nil {
		info.Package = uint16(v)
	}
	if v, err := readUint(filepath.Join(dir, "core_id")); err == nil {
		info.CoreID = uint16(v)
	}
}

func readUint(path string) (uint64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(buf)), 10, 32)
}

// Collect runs CPUID on each of the given cores. Cores it cannot run on are
// reported with the values of the current core.
func Collect(coreIDs []int) ([]prd.CPUInfo, error) {
	infos, err := collect(coreIDs)
	for i := range infos {
		readTopology(sysCPUPath, &infos[i])
	}
	return infos, err
}
