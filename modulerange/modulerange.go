// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package modulerange keeps the sorted code ranges of loaded modules. Lookups
// are wait free and safe at any IRQL. Insertion copies the range list and
// publishes the copy atomically, so it must run at a pageable level.
package modulerange // import "go.opentelemetry.io/cpuprof/modulerange"

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/libpf/xsync"
	"go.opentelemetry.io/cpuprof/unwindinfo"
)

// Range is the address range of one module or module section.
type Range struct {
	Base libpf.Address
	Size uint64
	// Path of the on-disk image, used to load its function table.
	Path string
}

// End returns the first address past the range.
func (r Range) End() libpf.Address {
	return r.Base + libpf.Address(r.Size)
}

// Module is one entry of an Index.
type Module struct {
	Range
	table xsync.Once[*unwindinfo.Table]
}

// FunctionTable returns the unwind function table of the module. At pageable
// levels the table is built through load on first use. Above that only an
// already built table is returned.
func (m *Module) FunctionTable(level irql.Level,
	load func(path string) (*unwindinfo.Image, error)) *unwindinfo.Table {
	if !level.Pageable() || load == nil {
		if t := m.table.Get(); t != nil {
			return *t
		}
		return nil
	}
	t, err := m.table.GetOrInit(func() (*unwindinfo.Table, error) {
		img, err := load(m.Path)
		if err != nil {
			return nil, err
		}
		return &unwindinfo.Table{Base: m.Base, Image: img}, nil
	})
	if err != nil {
		return nil
	}
	return *t
}

// SetFunctionTable installs an already built function table.
func (m *Module) SetFunctionTable(img *unwindinfo.Image) {
	_, _ = m.table.GetOrInit(func() (*unwindinfo.Table, error) {
		return &unwindinfo.Table{Base: m.Base, Image: img}, nil
	})
}

// Index is a sorted set of non-overlapping module ranges.
type Index struct {
	// mu serializes writers.
	mu      sync.Mutex
	modules atomic.Pointer[[]*Module]
}

// New returns an index with room for sizeHint modules before it has to grow.
func New(sizeHint int) *Index {
	idx := &Index{}
	modules := make([]*Module, 0, sizeHint)
	idx.modules.Store(&modules)
	return idx
}

func (idx *Index) load() []*Module {
	if p := idx.modules.Load(); p != nil {
		return *p
	}
	return nil
}

// Insert adds r to the index. It returns false if the level does not allow
// allocation, if r is empty, or if r overlaps a module already in the index.
func (idx *Index) Insert(level irql.Level, r Range) bool {
	return idx.InsertRanges(level, []Range{r}) == 1
}

// InsertRanges adds all ranges with a single publication and returns how many
// of them were inserted.
func (idx *Index) InsertRanges(level irql.Level, ranges []Range) int {
	if !level.Pageable() || len(ranges) == 0 {
		return 0
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	old := idx.load()
	modules := make([]*Module, len(old), len(old)+len(ranges))
	copy(modules, old)

	inserted := 0
	for _, r := range ranges {
		if r.Size == 0 || r.End() < r.Base {
			continue
		}
		pos := sort.Search(len(modules), func(i int) bool {
			return modules[i].Base >= r.Base
		})
		if pos > 0 && modules[pos-1].End() > r.Base {
			continue
		}
		if pos < len(modules) && modules[pos].Base < r.End() {
			continue
		}
		modules = append(modules, nil)
		copy(modules[pos+1:], modules[pos:])
		modules[pos] = &Module{Range: r}
		inserted++
	}
	if inserted > 0 {
		idx.modules.Store(&modules)
	}
	return inserted
}

// Lookup returns the module containing addr or nil.
func (idx *Index) Lookup(addr libpf.Address) *Module {
	modules := idx.load()
	i := sort.Search(len(modules), func(i int) bool {
		return modules[i].End() > addr
	})
	if i == len(modules) || addr < modules[i].Base {
		return nil
	}
	return modules[i]
}

// Contains reports whether addr lies within any module.
func (idx *Index) Contains(addr libpf.Address) bool {
	return idx.Lookup(addr) != nil
}

// Remove deletes the module starting at base. It returns false if there is
// none.
func (idx *Index) Remove(level irql.Level, base libpf.Address) bool {
	if !level.Pageable() {
		return false
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	old := idx.load()
	pos := sort.Search(len(old), func(i int) bool { return old[i].Base >= base })
	if pos == len(old) || old[pos].Base != base {
		return false
	}
	modules := make([]*Module, 0, len(old)-1)
	modules = append(modules, old[:pos]...)
	modules = append(modules, old[pos+1:]...)
	idx.modules.Store(&modules)
	return true
}

// Clear releases all ranges.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.modules.Store(&[]*Module{})
}

// Len returns the number of modules.
func (idx *Index) Len() int {
	return len(idx.load())
}

// Modules returns the modules in address order. The slice must not be
// modified.
func (idx *Index) Modules() []*Module {
	return idx.load()
}
