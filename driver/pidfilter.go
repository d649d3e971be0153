// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package driver // import "go.opentelemetry.io/cpuprof/driver"

import (
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/cpuprof/libpf"
)

// pidFilter is the set of processes a session is attached to. Lookups are
// lock-free and safe at any level.
type pidFilter struct {
	mu   sync.Mutex
	pids atomic.Pointer[[]libpf.PID]
}

func (f *pidFilter) load() []libpf.PID {
	if p := f.pids.Load(); p != nil {
		return *p
	}
	return nil
}

func (f *pidFilter) contains(pid libpf.PID) bool {
	return slices.Contains(f.load(), pid)
}

func (f *pidFilter) list() []libpf.PID {
	return slices.Clone(f.load())
}

func (f *pidFilter) len() int {
	return len(f.load())
}

// attach adds pid. It returns false if pid is attached already or the filter
// is full.
func (f *pidFilter) attach(pid libpf.PID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	old := f.load()
	if len(old) >= MaxPIDs || slices.Contains(old, pid) {
		return false
	}
	pids := append(slices.Clone(old), pid)
	f.pids.Store(&pids)
	return true
}

// detach removes pid and reports whether it was attached.
func (f *pidFilter) detach(pid libpf.PID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	old := f.load()
	i := slices.Index(old, pid)
	if i < 0 {
		return false
	}
	pids := slices.Delete(slices.Clone(old), i, i+1)
	f.pids.Store(&pids)
	return true
}

func (f *pidFilter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids.Store(nil)
}
