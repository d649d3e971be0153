// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package prd // import "go.opentelemetry.io/cpuprof/prd"

import (
	"github.com/google/uuid"
)

// Header is the first record of a stream.
//
//	0  u32 Magic
//	4  u16 Version
//	6  u16 CoreCount
//	8  u64 StartTime, unix nanoseconds
//	16 u64 TimerFrequency, ticks per second of all Tick fields
//	24 u64 StartTick
type Header struct {
	Version        uint16
	CoreCount      uint16
	StartTime      uint64
	TimerFrequency uint64
	StartTick      uint64
}

// Encode writes h to rec.
func (h *Header) Encode(rec []byte) {
	rec = clear32(rec)
	le.PutUint32(rec[0:], Magic)
	le.PutUint16(rec[4:], h.Version)
	le.PutUint16(rec[6:], h.CoreCount)
	le.PutUint64(rec[8:], h.StartTime)
	le.PutUint64(rec[16:], h.TimerFrequency)
	le.PutUint64(rec[24:], h.StartTick)
}

// DecodeHeader parses the first record of a stream.
func DecodeHeader(rec []byte) (Header, error) {
	if len(rec) < RecordSize {
		return Header{}, ErrBadRecord
	}
	if le.Uint32(rec[0:]) != Magic {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Version:        le.Uint16(rec[4:]),
		CoreCount:      le.Uint16(rec[6:]),
		StartTime:      le.Uint64(rec[8:]),
		TimerFrequency: le.Uint64(rec[16:]),
		StartTick:      le.Uint64(rec[24:]),
	}
	if h.Version == 0 || h.Version > Version {
		return h, ErrBadVersion
	}
	return h, nil
}

// ExtHeader follows the header.
//
//	0  u8  RecExtHeader
//	2  u16 ConfigCount
//	4  u32 Flags
//	8  [16] SessionID
//	24 u64 reserved
type ExtHeader struct {
	ConfigCount uint16
	Flags       uint32
	SessionID   uuid.UUID
}

// ExtHeader flags.
const (
	// ExtSystemWide marks a session sampling all processes.
	ExtSystemWide uint32 = 1 << 0
	// ExtCallStacks marks a session capturing call stacks.
	ExtCallStacks uint32 = 1 << 1
)

// Encode writes h to rec.
func (h *ExtHeader) Encode(rec []byte) {
	rec = clear32(rec)
	rec[0] = byte(RecExtHeader)
	le.PutUint16(rec[2:], h.ConfigCount)
	le.PutUint32(rec[4:], h.Flags)
	copy(rec[8:24], h.SessionID[:])
}

// DecodeExtHeader parses an extended header record.
func DecodeExtHeader(rec []byte) ExtHeader {
	h := ExtHeader{
		ConfigCount: le.Uint16(rec[2:]),
		Flags:       le.Uint32(rec[4:]),
	}
	copy(h.SessionID[:], rec[8:24])
	return h
}

// CPUInfo describes one core.
//
//	0  u8  RecCPUInfo
//	2  u16 Core
//	4  u16 Family
//	6  u16 Model
//	8  u16 Stepping
//	10 u16 Package
//	12 u16 CoreID
//	14 u16 reserved
//	16 u32 ClockMHz
//	20 [12] Vendor
type CPUInfo struct {
	Core     uint16
	Family   uint16
	Model    uint16
	Stepping uint16
	Package  uint16
	CoreID   uint16
	ClockMHz uint32
	Vendor   string
}

// Encode writes c to rec.
func (c *CPUInfo) Encode(rec []byte) {
	rec = clear32(rec)
	rec[0] = byte(RecCPUInfo)
	le.PutUint16(rec[2:], c.Core)
	le.PutUint16(rec[4:], c.Family)
	le.PutUint16(rec[6:], c.Model)
	le.PutUint16(rec[8:], c.Stepping)
	le.PutUint16(rec[10:], c.Package)
	le.PutUint16(rec[12:], c.CoreID)
	le.PutUint32(rec[16:], c.ClockMHz)
	copy(rec[20:32], c.Vendor)
}

// DecodeCPUInfo parses a CPU info record.
func DecodeCPUInfo(rec []byte) CPUInfo {
	vendor := rec[20:32]
	for len(vendor) > 0 && vendor[len(vendor)-1] == 0 {
		vendor = vendor[:len(vendor)-1]
	}
	return CPUInfo{
		Core:     le.Uint16(rec[2:]),
		Family:   le.Uint16(rec[4:]),
		Model:    le.Uint16(rec[6:]),
		Stepping: le.Uint16(rec[8:]),
		Package:  le.Uint16(rec[10:]),
		CoreID:   le.Uint16(rec[12:]),
		ClockMHz: le.Uint32(rec[16:]),
		Vendor:   string(vendor),
	}
}

// Config describes one sampling configuration.
//
//	0  u8  RecTimerConfig or RecEventConfig
//	1  u8  Index
//	2  u8  ResourceID
//	3  u8  reserved
//	4  u32 reserved
//	8  u64 Period, nanoseconds for timers, event count for events
//	16 u64 ControlValue, the counter control register value
//	24 u64 CoreMask
type Config struct {
	Type         ConfigType
	Index        uint8
	ResourceID   uint8
	Period       uint64
	ControlValue uint64
	CoreMask     uint64
}

// Encode writes c to rec.
func (c *Config) Encode(rec []byte) {
	rec = clear32(rec)
	rec[0] = byte(RecTimerConfig)
	if c.Type == ConfigEvent {
		rec[0] = byte(RecEventConfig)
	}
	rec[1] = c.Index
	rec[2] = c.ResourceID
	le.PutUint64(rec[8:], c.Period)
	le.PutUint64(rec[16:], c.ControlValue)
	le.PutUint64(rec[24:], c.CoreMask)
}

// DecodeConfig parses a timer or event configuration record.
func DecodeConfig(rec []byte) Config {
	c := Config{
		Type:         ConfigTimer,
		Index:        rec[1],
		ResourceID:   rec[2],
		Period:       le.Uint64(rec[8:]),
		ControlValue: le.Uint64(rec[16:]),
		CoreMask:     le.Uint64(rec[24:]),
	}
	if Type(rec) == RecEventConfig {
		c.Type = ConfigEvent
	}
	return c
}

// PIDsPerRecord is the number of process IDs one PID configuration record
// holds.
const PIDsPerRecord = 7

// PIDConfigRecords returns the number of records needed for n attached
// processes. An empty list still takes one record.
func PIDConfigRecords(n int) int {
	if n == 0 {
		return 1
	}
	return (n + PIDsPerRecord - 1) / PIDsPerRecord
}

// EncodePIDConfig writes the attached process list to dst, which holds
// PIDConfigRecords(len(pids)) records.
//
//	0  u8  RecPIDConfig
//	1  u8  number of PIDs in this record
//	2  u16 record index
//	4  [7]u32 PIDs
func EncodePIDConfig(dst []byte, pids []uint32) {
	n := PIDConfigRecords(len(pids))
	for i := range n {
		rec := clear32(dst[i*RecordSize:])
		chunk := pids[min(i*PIDsPerRecord, len(pids)):min((i+1)*PIDsPerRecord, len(pids))]
		rec[0] = byte(RecPIDConfig)
		rec[1] = byte(len(chunk))
		le.PutUint16(rec[2:], uint16(i))
		for j, pid := range chunk {
			le.PutUint32(rec[4+j*4:], pid)
		}
	}
}

// DecodePIDConfig returns the process IDs of one PID configuration record.
func DecodePIDConfig(rec []byte) []uint32 {
	n := min(int(rec[1]), PIDsPerRecord)
	pids := make([]uint32, n)
	for j := range pids {
		pids[j] = le.Uint32(rec[4+j*4:])
	}
	return pids
}

// Sample is a timer or event sample.
//
//	0  u8  RecTimer or RecEvent
//	1  u8  flags (FlagKernel, Flag64)
//	2  u16 Core
//	4  u32 PID
//	8  u32 TID
//	12 u8  ResourceID
//	13 u8  ConfigIndex
//	14 u16 reserved
//	16 u64 IP
//	24 u64 Tick, relative to the header's StartTick
type Sample struct {
	Type        RecordType
	Flags       uint8
	Core        uint16
	PID         uint32
	TID         uint32
	ResourceID  uint8
	ConfigIndex uint8
	IP          uint64
	Tick        uint64
}

// Encode writes s to rec.
func (s *Sample) Encode(rec []byte) {
	rec = clear32(rec)
	rec[0] = byte(s.Type)
	rec[1] = s.Flags
	le.PutUint16(rec[2:], s.Core)
	le.PutUint32(rec[4:], s.PID)
	le.PutUint32(rec[8:], s.TID)
	rec[12] = s.ResourceID
	rec[13] = s.ConfigIndex
	le.PutUint64(rec[16:], s.IP)
	le.PutUint64(rec[24:], s.Tick)
}

// DecodeSample parses a sample record.
func DecodeSample(rec []byte) Sample {
	return Sample{
		Type:        Type(rec),
		Flags:       rec[1],
		Core:        le.Uint16(rec[2:]),
		PID:         le.Uint32(rec[4:]),
		TID:         le.Uint32(rec[8:]),
		ResourceID:  rec[12],
		ConfigIndex: rec[13],
		IP:          le.Uint64(rec[16:]),
		Tick:        le.Uint64(rec[24:]),
	}
}

// MaxWeights is the number of resource weights one weight record holds.
const MaxWeights = 24

// Weight records the sampling weights of a core's resources. Samples that
// follow on the same core are scaled by them.
//
//	0  u8  RecWeight
//	1  u8  ResourceType (a ConfigType)
//	2  u16 Core
//	4  u8  number of weights
//	8  [24]u8 Weights, indexed by resource ID
type Weight struct {
	ResourceType ConfigType
	Core         uint16
	Weights      []uint8
}

// Encode writes w to rec.
func (w *Weight) Encode(rec []byte) {
	rec = clear32(rec)
	rec[0] = byte(RecWeight)
	rec[1] = byte(w.ResourceType)
	le.PutUint16(rec[2:], w.Core)
	rec[4] = byte(copy(rec[8:8+MaxWeights], w.Weights))
}

// DecodeWeight parses a weight record.
func DecodeWeight(rec []byte) Weight {
	n := min(int(rec[4]), MaxWeights)
	return Weight{
		ResourceType: ConfigType(rec[1]),
		Core:         le.Uint16(rec[2:]),
		Weights:      append([]uint8(nil), rec[8:8+n]...),
	}
}

// ProcessID announces a process that was attached while sampling.
//
//	0  u8  RecProcessID
//	2  u16 Core
//	4  u32 PID
//	8  u32 ParentPID
//	16 u64 Tick
type ProcessID struct {
	Core      uint16
	PID       uint32
	ParentPID uint32
	Tick      uint64
}

// Encode writes p to rec.
func (p *ProcessID) Encode(rec []byte) {
	rec = clear32(rec)
	rec[0] = byte(RecProcessID)
	le.PutUint16(rec[2:], p.Core)
	le.PutUint32(rec[4:], p.PID)
	le.PutUint32(rec[8:], p.ParentPID)
	le.PutUint64(rec[16:], p.Tick)
}

// DecodeProcessID parses a process ID record.
func DecodeProcessID(rec []byte) ProcessID {
	return ProcessID{
		Core:      le.Uint16(rec[2:]),
		PID:       le.Uint32(rec[4:]),
		ParentPID: le.Uint32(rec[8:]),
		Tick:      le.Uint64(rec[16:]),
	}
}

// Missed reports the samples of one configuration that were dropped for
// lack of buffer space. These records are the last ones of a stream.
//
//	0  u8  RecMissed
//	1  u8  ConfigType
//	2  u8  ResourceID
//	3  u8  ConfigIndex
//	4  u32 Count
//	8  u64 ControlValue
//	16 u64 CoreMask
//	24 u64 EndTick
type Missed struct {
	Type         ConfigType
	ResourceID   uint8
	ConfigIndex  uint8
	Count        uint32
	ControlValue uint64
	CoreMask     uint64
	EndTick      uint64
}

// Encode writes m to rec.
func (m *Missed) Encode(rec []byte) {
	rec = clear32(rec)
	rec[0] = byte(RecMissed)
	rec[1] = byte(m.Type)
	rec[2] = m.ResourceID
	rec[3] = m.ConfigIndex
	le.PutUint32(rec[4:], m.Count)
	le.PutUint64(rec[8:], m.ControlValue)
	le.PutUint64(rec[16:], m.CoreMask)
	le.PutUint64(rec[24:], m.EndTick)
}

// DecodeMissed parses a missed data record.
func DecodeMissed(rec []byte) Missed {
	return Missed{
		Type:         ConfigType(rec[1]),
		ResourceID:   rec[2],
		ConfigIndex:  rec[3],
		Count:        le.Uint32(rec[4:]),
		ControlValue: le.Uint64(rec[8:]),
		CoreMask:     le.Uint64(rec[16:]),
		EndTick:      le.Uint64(rec[24:]),
	}
}

// Buffer leads every sample buffer written by a producer core.
//
//	0  u8  RecBuffer
//	1  u8  ClientID
//	2  u16 Core
//	4  u32 Records, the number of records following in this buffer
//	8  u32 LastUserCSS, the record index of the last user call stack or
//	       zero
//	12 u32 reserved
//	16 u64 Sequence
//	24 u64 reserved
type Buffer struct {
	ClientID    uint8
	Core        uint16
	Records     uint32
	LastUserCSS uint32
	Sequence    uint64
}

// Encode writes b to rec.
func (b *Buffer) Encode(rec []byte) {
	rec = clear32(rec)
	rec[0] = byte(RecBuffer)
	rec[1] = b.ClientID
	le.PutUint16(rec[2:], b.Core)
	le.PutUint32(rec[4:], b.Records)
	le.PutUint32(rec[8:], b.LastUserCSS)
	le.PutUint64(rec[16:], b.Sequence)
}

// DecodeBuffer parses a buffer record.
func DecodeBuffer(rec []byte) Buffer {
	return Buffer{
		ClientID:    rec[1],
		Core:        le.Uint16(rec[2:]),
		Records:     le.Uint32(rec[4:]),
		LastUserCSS: le.Uint32(rec[8:]),
		Sequence:    le.Uint64(rec[16:]),
	}
}
