// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller allows periodic calls of functions.
package periodiccaller // import "go.opentelemetry.io/cpuprof/periodiccaller"

import (
	"context"
	"time"

	"go.opentelemetry.io/cpuprof/libpf"
)

// Start starts a timer that calls <callback> every <interval> until the <ctx> is canceled.
// The returned channel is closed once the calling goroutine exited.
func Start(ctx context.Context, interval time.Duration, callback func()) <-chan libpf.Void {
	return StartWithManualTrigger(ctx, interval, nil, func(bool) { callback() })
}

// StartWithManualTrigger starts a timer that calls <callback> every <interval>
// until the <ctx> is canceled. Additionally the 'trigger' channel can be used
// to trigger callback immediately. A nil trigger channel never fires.
//
// The returned channel is closed once the calling goroutine exited. The
// callback is never running anymore at that point.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger <-chan bool,
	callback func(manualTrigger bool)) <-chan libpf.Void {
	done := make(chan libpf.Void)
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback(false)
			case <-trigger:
				callback(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	return done
}
