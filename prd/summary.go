// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package prd // import "go.opentelemetry.io/cpuprof/prd"

import (
	"errors"
	"io"
)

// Summary aggregates the content of a stream.
type Summary struct {
	Header    Header
	ExtHeader ExtHeader
	// Groups counts records and record groups by type.
	Groups  map[RecordType]uint64
	Records uint64
	Configs []Config
	PIDs    []uint32
	Missed  []Missed
	CPUs    []CPUInfo
	// Frames is the total number of call stack entries.
	Frames uint64
	// LastTick is the highest sample tick seen.
	LastTick uint64
}

// Samples returns the number of timer and event samples.
func (s *Summary) Samples() uint64 {
	return s.Groups[RecTimer] + s.Groups[RecEvent]
}

// MissedSamples returns the total of all missed data records.
func (s *Summary) MissedSamples() uint64 {
	var total uint64
	for i := range s.Missed {
		total += uint64(s.Missed[i].Count)
	}
	return total
}

// Summarize reads r to the end.
func Summarize(r *Reader) (*Summary, error) {
	s := &Summary{
		Header: r.Header(),
		Groups: make(map[RecordType]uint64),
	}
	s.ExtHeader, _ = r.ExtHeader()

	for {
		group, err := r.Next()
		if errors.Is(err, io.EOF) {
			s.Records = r.Records()
			return s, nil
		}
		if err != nil {
			return s, err
		}

		typ := Type(group)
		s.Groups[typ]++
		switch typ {
		case RecTimer, RecEvent:
			s.LastTick = max(s.LastTick, DecodeSample(group).Tick)
		case RecTimerConfig, RecEventConfig:
			s.Configs = append(s.Configs, DecodeConfig(group))
		case RecPIDConfig:
			s.PIDs = append(s.PIDs, DecodePIDConfig(group)...)
		case RecCPUInfo:
			s.CPUs = append(s.CPUs, DecodeCPUInfo(group))
		case RecMissed:
			s.Missed = append(s.Missed, DecodeMissed(group))
		case RecKernelCSS, RecUserCSS:
			cs, err := DecodeCallStack(group)
			if err != nil {
				return s, err
			}
			s.Frames += uint64(len(cs.Callers))
		}
	}
}
