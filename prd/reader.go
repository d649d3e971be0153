// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package prd // import "go.opentelemetry.io/cpuprof/prd"

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// Reader iterates over the records of a stream.
type Reader struct {
	r      io.Reader
	closer func()

	header    Header
	extHeader ExtHeader
	hasExt    bool

	buf     []byte
	pending bool
	records uint64
}

// decompress detects the framing of r by its first bytes.
func decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("peek header: %w", err)
	}

	switch {
	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	case bytes.HasPrefix(magic, gzipMagic):
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return gr, func() { _ = gr.Close() }, nil
	default:
		return br, func() {}, nil
	}
}

// NewReader returns a Reader for the stream r, which may be zstd or gzip
// compressed. The header is read and validated.
func NewReader(r io.Reader) (*Reader, error) {
	dr, closer, err := decompress(r)
	if err != nil {
		return nil, err
	}
	rd := &Reader{
		r:      dr,
		closer: closer,
		buf:    make([]byte, RecordSize, 16*RecordSize),
	}
	if err = rd.readRecords(rd.buf[:RecordSize]); err != nil {
		closer()
		return nil, fmt.Errorf("read header: %w", err)
	}
	if rd.header, err = DecodeHeader(rd.buf); err != nil {
		closer()
		return nil, err
	}

	switch err = rd.readRecords(rd.buf[:RecordSize]); {
	case errors.Is(err, io.EOF):
	case err != nil:
		closer()
		return nil, err
	case Type(rd.buf) == RecExtHeader:
		rd.extHeader = DecodeExtHeader(rd.buf)
		rd.hasExt = true
	default:
		rd.pending = true
	}
	return rd, nil
}

func (r *Reader) readRecords(dst []byte) error {
	_, err := io.ReadFull(r.r, dst)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("truncated record: %w", err)
	}
	return err
}

// Header returns the stream header.
func (r *Reader) Header() Header {
	return r.header
}

// ExtHeader returns the extended header and whether the stream has one.
func (r *Reader) ExtHeader() (ExtHeader, bool) {
	return r.extHeader, r.hasExt
}

// Records returns the number of records returned by Next so far.
func (r *Reader) Records() uint64 {
	return r.records
}

// Next returns the next record or record group. The returned slice is only
// valid until the next call. At the end of the stream io.EOF is returned.
func (r *Reader) Next() ([]byte, error) {
	if !r.pending {
		if err := r.readRecords(r.buf[:RecordSize]); err != nil {
			return nil, err
		}
	}
	r.pending = false

	lead := r.buf[:RecordSize]
	if !Type(lead).Valid() {
		return nil, fmt.Errorf("%w: type %d at record %d", ErrBadRecord, lead[0], r.records)
	}
	n := GroupRecords(lead)
	if n > 1 {
		if cap(r.buf) < n*RecordSize {
			buf := make([]byte, n*RecordSize)
			copy(buf, lead)
			r.buf = buf
		}
		r.buf = r.buf[:n*RecordSize]
		if err := r.readRecords(r.buf[RecordSize:]); err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("truncated %v group: %w", Type(r.buf), io.ErrUnexpectedEOF)
			}
			return nil, err
		}
	}
	r.records += uint64(n)
	return r.buf[:n*RecordSize], nil
}

// Close releases the decompressor. It does not close the underlying reader.
func (r *Reader) Close() {
	r.closer()
}
