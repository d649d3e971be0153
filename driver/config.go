// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package driver // import "go.opentelemetry.io/cpuprof/driver"

import (
	"fmt"
	"time"

	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/missed"
	"go.opentelemetry.io/cpuprof/modulerange"
	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/stackwalk"
)

const (
	// MaxConfigs bounds the number of sampling configurations per session.
	MaxConfigs = 64
	// MaxPIDs bounds the number of processes a session is attached to.
	MaxPIDs = 256
	// MaxCodeRanges bounds the number of initial code ranges of the CSS
	// target.
	MaxCodeRanges = 1024
)

// TimerConfig samples at a fixed interval.
type TimerConfig struct {
	Interval time.Duration
	// CoreMask selects the cores to sample. Zero selects all cores.
	CoreMask uint64
}

// EventConfig samples every Period occurrences of a hardware event.
type EventConfig struct {
	// ResourceID is the counter the event is programmed into.
	ResourceID uint8
	// ControlValue is the event select register value.
	ControlValue uint64
	Period       uint64
	CoreMask     uint64
	// Counting events are only counted, they produce no samples.
	Counting bool
}

// CSSMode selects which call stacks are captured.
type CSSMode uint8

const (
	CSSUserMode CSSMode = 1 << iota
	CSSKernelMode
)

// CSSConfig configures call stack sampling.
type CSSConfig struct {
	MaxDepth uint32
	// Interval captures the call stack of every Interval-th sample per core.
	Interval uint32
	Mode     CSSMode
	// CaptureValues also scans user stacks for potential return addresses.
	CaptureValues bool
	// TargetPID is attached to and receives CodeRanges as its initial
	// modules. Zero means none.
	TargetPID  libpf.PID
	CodeRanges []modulerange.Range
}

// Validate checks the configuration against the walker limits.
func (c *CSSConfig) Validate() error {
	if c.MaxDepth == 0 || c.MaxDepth > stackwalk.MaxDepth {
		return fmt.Errorf("%w: call stack depth %d", ErrInvalidArgument, c.MaxDepth)
	}
	if c.Mode&(CSSUserMode|CSSKernelMode) == 0 {
		return fmt.Errorf("%w: no call stack mode", ErrInvalidArgument)
	}
	if c.Interval == 0 {
		return fmt.Errorf("%w: zero call stack interval", ErrInvalidArgument)
	}
	if len(c.CodeRanges) >= MaxCodeRanges {
		return fmt.Errorf("%w: %d code ranges", ErrInvalidArgument, len(c.CodeRanges))
	}
	return nil
}

// configuration is one sampling configuration of a session.
type configuration struct {
	prd.Config
	counting bool
}

func (c *configuration) key() missed.Key {
	return missed.Key{Type: c.Type, ResourceID: c.ResourceID, ControlValue: c.ControlValue}
}

// isValidCore reports whether core is sampled by c.
func (c *configuration) isValidCore(core int) bool {
	return c.CoreMask == 0 || (core < 64 && c.CoreMask&(1<<core) != 0)
}
