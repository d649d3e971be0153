// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwindinfo // import "go.opentelemetry.io/cpuprof/unwindinfo"

import (
	"encoding/binary"
	"fmt"
)

const (
	infoHeaderSize      = 4
	runtimeFunctionSize = 12
)

// RVAReader reads image relative addresses of a mapped or on-disk image.
type RVAReader interface {
	ReadRVA(rva uint32, p []byte) error
}

// ParseInfo decodes the unwind info block at rva, following chained blocks.
func ParseInfo(r RVAReader, rva uint32) (*Info, error) {
	return parseInfo(r, rva, 0)
}

func parseInfo(r RVAReader, rva uint32, depth int) (*Info, error) {
	if depth > maxChainDepth {
		return nil, ErrChainTooDeep
	}

	var hdr [infoHeaderSize]byte
	if err := r.ReadRVA(rva, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header at 0x%x: %v", ErrTruncated, rva, err)
	}

	info := &Info{
		Version:       hdr[0] & 0x7,
		Flags:         hdr[0] >> 3,
		PrologSize:    hdr[1],
		FrameRegister: hdr[3] & 0xf,
		FrameOffset:   hdr[3] >> 4,
	}
	if info.Version != 1 && info.Version != 2 {
		return nil, fmt.Errorf("%w: %d at 0x%x", ErrBadVersion, info.Version, rva)
	}

	count := int(hdr[2])
	if count > 0 {
		raw := make([]byte, 2*count)
		if err := r.ReadRVA(rva+infoHeaderSize, raw); err != nil {
			return nil, fmt.Errorf("%w: codes at 0x%x: %v", ErrTruncated, rva, err)
		}
		info.Codes = make([]Code, count)
		for i := range info.Codes {
			info.Codes[i] = Code(binary.LittleEndian.Uint16(raw[2*i:]))
		}
	}

	if info.Flags&FlagChainInfo == 0 {
		return info, nil
	}

	// The chained entry follows the code array, which is padded to an even
	// number of slots.
	chainRVA := rva + infoHeaderSize + uint32(2*((count+1)&^1))
	var rf [runtimeFunctionSize]byte
	if err := r.ReadRVA(chainRVA, rf[:]); err != nil {
		return nil, fmt.Errorf("%w: chained entry at 0x%x: %v", ErrTruncated, chainRVA, err)
	}
	chained, err := parseInfo(r, binary.LittleEndian.Uint32(rf[8:]), depth+1)
	if err != nil {
		return nil, err
	}
	info.Chained = &Function{
		Begin: binary.LittleEndian.Uint32(rf[0:]),
		End:   binary.LittleEndian.Uint32(rf[4:]),
		Info:  chained,
	}
	return info, nil
}

// ParseFunctionTable decodes size bytes of function table entries at rva and
// the unwind info each of them references. Entries whose unwind info cannot
// be decoded are skipped.
func ParseFunctionTable(r RVAReader, rva, size uint32) (*Image, error) {
	n := size / runtimeFunctionSize
	if n == 0 {
		return nil, ErrNoFunctionTab
	}
	raw := make([]byte, n*runtimeFunctionSize)
	if err := r.ReadRVA(rva, raw); err != nil {
		return nil, fmt.Errorf("%w: function table at 0x%x: %v", ErrTruncated, rva, err)
	}

	// Unwind info blocks are frequently shared between entries.
	infos := make(map[uint32]*Info)
	functions := make([]Function, 0, n)
	for i := uint32(0); i < n; i++ {
		entry := raw[i*runtimeFunctionSize:]
		begin := binary.LittleEndian.Uint32(entry[0:])
		end := binary.LittleEndian.Uint32(entry[4:])
		infoRVA := binary.LittleEndian.Uint32(entry[8:])
		if end <= begin {
			continue
		}
		info, ok := infos[infoRVA]
		if !ok {
			var err error
			if info, err = ParseInfo(r, infoRVA); err != nil {
				continue
			}
			infos[infoRVA] = info
		}
		functions = append(functions, Function{Begin: begin, End: end, Info: info})
	}
	return NewImage(functions), nil
}
