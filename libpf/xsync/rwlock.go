// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "go.opentelemetry.io/cpuprof/libpf/xsync"

import "sync"

// RWMutex wraps sync.RWMutex together with the value it protects. The value
// is only reachable through the pointer handed out by RLock/WLock, which must
// be passed back to the matching unlock call.
//
//	walkers := d.walkers.RLock()
//	defer d.walkers.RUnlock(&walkers)
//	sw := (*walkers)[pid]
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
}

// NewRWMutex wraps val in a new RWMutex.
func NewRWMutex[T any](val T) RWMutex[T] {
	return RWMutex[T]{guarded: val}
}

// RLock locks the mutex for reading. The returned pointer must not be used to
// modify the value.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock releases a read lock obtained with RLock and invalidates ref.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock locks the mutex for writing and returns a mutable pointer to the value.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock releases a write lock obtained with WLock and invalidates ref.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
