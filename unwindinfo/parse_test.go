// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwindinfo

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memImage is an image whose RVA 0 maps to data[0].
type memImage []byte

func (m memImage) ReadRVA(rva uint32, p []byte) error {
	if uint64(rva)+uint64(len(p)) > uint64(len(m)) {
		return io.ErrUnexpectedEOF
	}
	copy(p, m[rva:])
	return nil
}

func putInfo(b []byte, flags, prolog, frameReg, frameOff uint8, codes ...Code) int {
	b[0] = 1 | flags<<3
	b[1] = prolog
	b[2] = uint8(len(codes))
	b[3] = frameReg | frameOff<<4
	for i, c := range codes {
		binary.LittleEndian.PutUint16(b[4+2*i:], uint16(c))
	}
	return 4 + 2*((len(codes)+1)&^1)
}

func putFunction(b []byte, begin, end, info uint32) {
	binary.LittleEndian.PutUint32(b[0:], begin)
	binary.LittleEndian.PutUint32(b[4:], end)
	binary.LittleEndian.PutUint32(b[8:], info)
}

func TestParseInfo(t *testing.T) {
	img := make(memImage, 0x200)
	putInfo(img[0x10:], 0, 8, RegRBP, 2,
		NewCode(8, OpSetFPReg, 0),
		NewCode(4, OpAllocSmall, 3),
		NewCode(1, OpPushNonVol, RegRBP))

	info, err := ParseInfo(img, 0x10)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), info.Version)
	assert.Equal(t, uint8(8), info.PrologSize)
	assert.Equal(t, uint8(RegRBP), info.FrameRegister)
	assert.Equal(t, uint8(2), info.FrameOffset)
	require.Len(t, info.Codes, 3)
	assert.Equal(t, OpSetFPReg, info.Codes[0].Op())
	assert.Nil(t, info.Chained)
}

func TestParseInfoChained(t *testing.T) {
	img := make(memImage, 0x200)
	// Primary block.
	putInfo(img[0x40:], 0, 1, 0, 0, NewCode(1, OpPushNonVol, RegRBX))
	// Chained block with an odd number of codes, so the chained entry
	// follows a padding slot.
	n := putInfo(img[0x10:], FlagChainInfo, 5, 0, 0, NewCode(5, OpAllocSmall, 1))
	putFunction(img[0x10+n:], 0x1000, 0x1010, 0x40)

	info, err := ParseInfo(img, 0x10)
	require.NoError(t, err)
	require.NotNil(t, info.Chained)
	assert.Equal(t, uint32(0x1000), info.Chained.Begin)
	require.NotNil(t, info.Chained.Info)
	assert.Equal(t, OpPushNonVol, info.Chained.Info.Codes[0].Op())
}

func TestParseInfoErrors(t *testing.T) {
	img := make(memImage, 0x40)

	// Version 0 is invalid.
	_, err := ParseInfo(img, 0)
	require.ErrorIs(t, err, ErrBadVersion)

	// Truncated code array.
	putInfo(img[0x3c:], 0, 0, 0, 0)
	img[0x3c+2] = 4
	_, err = ParseInfo(img, 0x3c)
	require.ErrorIs(t, err, ErrTruncated)

	// A block chained to itself.
	loop := make(memImage, 0x40)
	n := putInfo(loop, FlagChainInfo, 0, 0, 0)
	putFunction(loop[n:], 0, 0x10, 0)
	_, err = ParseInfo(loop, 0)
	require.ErrorIs(t, err, ErrChainTooDeep)
}

func TestParseFunctionTable(t *testing.T) {
	img := make(memImage, 0x200)
	putFunction(img[0x00:], 0x1000, 0x1040, 0x100)
	putFunction(img[0x0c:], 0x1040, 0x1080, 0x100)
	putFunction(img[0x18:], 0x2000, 0x1000, 0x100) // inverted, skipped
	putFunction(img[0x24:], 0x3000, 0x3010, 0x1f0) // bad info, skipped
	putInfo(img[0x100:], 0, 1, 0, 0, NewCode(1, OpPushNonVol, RegRBP))

	table, err := ParseFunctionTable(img, 0, 4*runtimeFunctionSize)
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())

	a, b := table.Lookup(0x1000), table.Lookup(0x1050)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Same(t, a.Info, b.Info, "shared unwind info is decoded once")

	_, err = ParseFunctionTable(img, 0, 4)
	require.ErrorIs(t, err, ErrNoFunctionTab)
}

// buildPE assembles a minimal 64-bit PE image with a single .pdata section
// at rva 0x1000 holding data. The exception directory covers dirSize bytes at
// the start of the section.
func buildPE(t *testing.T, data []byte, dirSize uint32) []byte {
	t.Helper()

	const (
		peOffset  = 0x40
		rawOffset = 0x200
		rva       = 0x1000
	)
	var buf bytes.Buffer
	dos := make([]byte, peOffset)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3c:], peOffset)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	oh := pe.OptionalHeader64{
		Magic:               0x20b,
		ImageBase:           0x140000000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         0x2000,
		SizeOfHeaders:       rawOffset,
		NumberOfRvaAndSizes: 16,
	}
	oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION] = pe.DataDirectory{
		VirtualAddress: rva,
		Size:           dirSize,
	}
	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(oh)),
	}
	var name [8]uint8
	copy(name[:], ".pdata")
	sh := pe.SectionHeader32{
		Name:             name,
		VirtualSize:      uint32(len(data)),
		VirtualAddress:   rva,
		SizeOfRawData:    uint32(len(data)),
		PointerToRawData: rawOffset,
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, fh))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, oh))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, sh))
	buf.Write(make([]byte, rawOffset-buf.Len()))
	buf.Write(data)
	return buf.Bytes()
}

func TestLoadPE(t *testing.T) {
	// Section relative layout: function table at 0, unwind info at 0x20.
	data := make([]byte, 0x40)
	putFunction(data[0:], 0x2000, 0x2080, 0x1020)
	putFunction(data[12:], 0x2080, 0x2100, 0x1020)
	putInfo(data[0x20:], 0, 4, 0, 0,
		NewCode(4, OpAllocSmall, 3),
		NewCode(1, OpPushNonVol, RegRBP))

	img, err := LoadPE(bytes.NewReader(buildPE(t, data, 24)))
	require.NoError(t, err)
	require.Equal(t, 2, img.Len())

	fn := img.Lookup(0x2090)
	require.NotNil(t, fn)
	assert.Equal(t, uint32(0x2080), fn.Begin)
	require.Len(t, fn.Info.Codes, 2)

	_, err = LoadPE(bytes.NewReader(buildPE(t, data, 0)))
	require.ErrorIs(t, err, ErrNoFunctionTab)

	_, err = LoadPE(bytes.NewReader([]byte("not an image")))
	require.Error(t, err)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func TestImageCache(t *testing.T) {
	data := make([]byte, 0x40)
	putFunction(data[0:], 0x2000, 0x2080, 0x1020)
	putInfo(data[0x20:], 0, 1, 0, 0, NewCode(1, OpPushNonVol, RegRBP))
	image := buildPE(t, data, 12)

	opens := 0
	cache, err := NewImageCache(4, 0, func(path string) (io.ReaderAt, io.Closer, error) {
		opens++
		if path == "missing.dll" {
			return nil, nil, errors.New("no such file")
		}
		return bytes.NewReader(image), nopCloser{}, nil
	})
	require.NoError(t, err)

	first, err := cache.Load(`C:\Windows\System32\ntdll.dll`)
	require.NoError(t, err)
	second, err := cache.Load(`C:\Windows\System32\ntdll.dll`)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, cache.Len())

	_, err = cache.Load("missing.dll")
	require.Error(t, err)
	assert.Equal(t, 2, opens)

	// The failure is remembered.
	_, err = cache.Load("missing.dll")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, opens)
	assert.Equal(t, 2, cache.Len())
}
