// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package irql models the interrupt request level a piece of code runs at.
//
// Every function that is reachable from the sample interrupt takes a Level.
// Code that allocates or may touch memory that is not resident checks the
// level first and refuses to proceed when it is too high.
package irql // import "go.opentelemetry.io/cpuprof/irql"

import (
	"errors"
	"fmt"
)

// Level is an interrupt request level. Higher values preempt lower ones.
type Level uint8

const (
	// Passive is normal thread context. Everything is allowed.
	Passive Level = iota
	// APC is asynchronous procedure call context. Paging is still allowed.
	APC
	// Dispatch is scheduler context. No paging, no waiting.
	Dispatch
	// Device is hardware interrupt context, where samples are delivered.
	Device
)

// ErrLevelTooHigh is returned by operations that must run at a lower level.
var ErrLevelTooHigh = errors.New("operation not permitted at current IRQL")

func (l Level) String() string {
	switch l {
	case Passive:
		return "PASSIVE"
	case APC:
		return "APC"
	case Dispatch:
		return "DISPATCH"
	case Device:
		return "DEVICE"
	default:
		return fmt.Sprintf("IRQL(%d)", uint8(l))
	}
}

// Pageable reports whether code at this level may touch pageable memory,
// allocate, or block.
func (l Level) Pageable() bool {
	return l < Dispatch
}

// AtMost returns ErrLevelTooHigh if l is above limit.
func (l Level) AtMost(limit Level) error {
	if l > limit {
		return fmt.Errorf("%w: %v > %v", ErrLevelTooHigh, l, limit)
	}
	return nil
}
