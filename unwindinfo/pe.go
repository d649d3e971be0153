// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwindinfo // import "go.opentelemetry.io/cpuprof/unwindinfo"

import (
	"debug/pe"
	"fmt"
	"io"
)

// peImage resolves image relative addresses through the section headers of
// an on-disk PE file.
type peImage struct {
	file *pe.File
}

func (p peImage) ReadRVA(rva uint32, b []byte) error {
	for _, s := range p.file.Sections {
		size := max(s.VirtualSize, s.Size)
		if rva < s.VirtualAddress || rva-s.VirtualAddress >= size {
			continue
		}
		off := int64(rva - s.VirtualAddress)
		if off+int64(len(b)) > int64(s.Size) {
			return fmt.Errorf("read of %d bytes at 0x%x exceeds section %s",
				len(b), rva, s.Name)
		}
		_, err := s.ReadAt(b, off)
		return err
	}
	return fmt.Errorf("rva 0x%x not covered by any section", rva)
}

// LoadPE extracts the function table of a 64-bit PE image.
func LoadPE(r io.ReaderAt) (*Image, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PE image: %w", err)
	}
	defer f.Close()

	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("%w: not a 64-bit image", ErrNoFunctionTab)
	}
	if len(oh.DataDirectory) <= pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION {
		return nil, ErrNoFunctionTab
	}
	dir := oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION]
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, ErrNoFunctionTab
	}
	return ParseFunctionTable(peImage{file: f}, dir.VirtualAddress, dir.Size)
}
