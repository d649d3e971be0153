// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "go.opentelemetry.io/cpuprof/libpf/xsync"

import (
	"sync"
	"sync/atomic"
)

// Once guards data that is initialized exactly once, on first use.
//
// Unlike sync.Once, a failed initialization leaves the value uninitialized so
// that a later caller can retry. Get never blocks and never initializes, which
// makes it usable from contexts that must not wait on a lock.
type Once[T any] struct {
	done atomic.Bool
	mu   sync.Mutex
	data T
}

// GetOrInit returns the protected data, running init if no previous call
// succeeded. Only one caller runs init at a time.
func (l *Once[T]) GetOrInit(init func() (T, error)) (*T, error) {
	if l.done.Load() {
		return &l.data, nil
	}
	return l.initSlow(init)
}

func (l *Once[T]) initSlow(init func() (T, error)) (*T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done.Load() {
		return &l.data, nil
	}

	data, err := init()
	if err != nil {
		return nil, err
	}
	l.data = data
	l.done.Store(true)
	return &l.data, nil
}

// Get returns the protected data or nil if it was not initialized yet.
func (l *Once[T]) Get() *T {
	if !l.done.Load() {
		return nil
	}
	return &l.data
}
