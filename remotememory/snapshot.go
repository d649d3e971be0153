// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "go.opentelemetry.io/cpuprof/remotememory"

import (
	"fmt"
	"io"
	"sort"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
)

// Region is a contiguous range of captured memory.
type Region struct {
	Start libpf.Address
	Data  []byte
	// Resident regions are locked in memory and readable at any level. Other
	// regions are pageable.
	Resident bool
}

func (r *Region) end() libpf.Address {
	return r.Start + libpf.Address(len(r.Data))
}

// Snapshot is a captured address space made of non-overlapping regions.
// Addresses outside all regions are unmapped.
type Snapshot struct {
	regions []Region
}

var _ Validator = (*Snapshot)(nil)

// NewSnapshot returns a snapshot of regions. Regions overlapping a previous
// one are ignored.
func NewSnapshot(regions ...Region) *Snapshot {
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	s := &Snapshot{regions: make([]Region, 0, len(sorted))}
	for _, r := range sorted {
		if n := len(s.regions); n > 0 && r.Start < s.regions[n-1].end() {
			continue
		}
		s.regions = append(s.regions, r)
	}
	return s
}

func (s *Snapshot) find(addr libpf.Address, size uint64) *Region {
	idx := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].end() > addr
	})
	if idx == len(s.regions) {
		return nil
	}
	r := &s.regions[idx]
	if addr < r.Start || uint64(r.end()-addr) < size {
		return nil
	}
	return r
}

// Valid implements Validator.
func (s *Snapshot) Valid(level irql.Level, addr libpf.Address, size uint64) bool {
	r := s.find(addr, size)
	return r != nil && (r.Resident || level.Pageable())
}

// ReadAt implements io.ReaderAt. A read must be covered by a single region.
func (s *Snapshot) ReadAt(p []byte, off int64) (int, error) {
	addr := libpf.Address(off)
	r := s.find(addr, uint64(len(p)))
	if r == nil {
		return 0, fmt.Errorf("0x%x+%d is not mapped: %w", addr, len(p), io.ErrUnexpectedEOF)
	}
	return copy(p, r.Data[addr-r.Start:]), nil
}

// Memory returns a RemoteMemory reading from the snapshot.
func (s *Snapshot) Memory() RemoteMemory {
	return RemoteMemory{ReaderAt: s, Validator: s}
}
