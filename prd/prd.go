// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package prd defines the profile record data stream: a file header followed
// by fixed size little-endian records.
//
// Every record is RecordSize bytes and starts with its RecordType, except for
// the file header which starts with Magic. Call stacks and virtual stacks are
// record groups: a leading record carrying the type and the entry count, and
// continuation records holding the rest of the payload. The size of a group is
// a pure function of its entry count, see the *Records functions.
package prd // import "go.opentelemetry.io/cpuprof/prd"

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// RecordSize is the size of one record in bytes.
const RecordSize = 32

const (
	// Magic starts every stream ("CPRD" in little-endian byte order).
	Magic = 0x44525043
	// Version is the stream format version written by this package.
	Version = 1
)

// RecordType identifies the layout of a record.
type RecordType uint8

const (
	RecExtHeader RecordType = iota + 1
	RecCPUInfo
	RecTimerConfig
	RecEventConfig
	RecPIDConfig
	RecTimer
	RecEvent
	RecWeight
	RecKernelCSS
	RecUserCSS
	RecVirtualStack
	RecProcessID
	RecMissed
	RecBuffer

	// numRecordTypes must stay last.
	numRecordTypes
)

var recordTypeNames = [numRecordTypes]string{
	RecExtHeader:    "ext-header",
	RecCPUInfo:      "cpu-info",
	RecTimerConfig:  "timer-config",
	RecEventConfig:  "event-config",
	RecPIDConfig:    "pid-config",
	RecTimer:        "timer",
	RecEvent:        "event",
	RecWeight:       "weight",
	RecKernelCSS:    "kernel-css",
	RecUserCSS:      "user-css",
	RecVirtualStack: "virtual-stack",
	RecProcessID:    "process-id",
	RecMissed:       "missed",
	RecBuffer:       "buffer",
}

func (t RecordType) String() string {
	if t > 0 && t < numRecordTypes {
		return recordTypeNames[t]
	}
	return fmt.Sprintf("record(%d)", uint8(t))
}

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	return t > 0 && t < numRecordTypes
}

// IsSample reports whether t is a sample record.
func (t RecordType) IsSample() bool {
	return t == RecTimer || t == RecEvent
}

// ConfigType is the kind of sampling configuration.
type ConfigType uint8

const (
	ConfigTimer ConfigType = iota
	ConfigEvent
)

func (c ConfigType) String() string {
	switch c {
	case ConfigTimer:
		return "timer"
	case ConfigEvent:
		return "event"
	default:
		return fmt.Sprintf("config(%d)", uint8(c))
	}
}

// SampleType returns the record type of samples of this configuration.
func (c ConfigType) SampleType() RecordType {
	if c == ConfigEvent {
		return RecEvent
	}
	return RecTimer
}

var (
	ErrBadMagic   = errors.New("not a profile record stream")
	ErrBadVersion = errors.New("unsupported profile record stream version")
	ErrBadRecord  = errors.New("malformed record")
)

// Flags of sample and call stack records.
const (
	// FlagKernel marks a sample taken in kernel mode.
	FlagKernel uint8 = 1 << 0
	// Flag64 marks 64-bit addresses.
	Flag64 uint8 = 1 << 1
)

var le = binary.LittleEndian

// recordsFor returns the number of records needed for n payload bytes.
func recordsFor(n int) int {
	return (n + RecordSize - 1) / RecordSize
}

// Type returns the type of the record rec starts with.
func Type(rec []byte) RecordType {
	if len(rec) == 0 {
		return 0
	}
	return RecordType(rec[0])
}

func clear32(rec []byte) []byte {
	rec = rec[:RecordSize]
	clear(rec)
	return rec
}
