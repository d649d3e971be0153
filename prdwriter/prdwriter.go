// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package prdwriter writes profile record data streams.
//
// The control path writes the header, CPU, configuration and missed data
// records directly. Samples are appended to per-core buffers while
// asynchronous mode is active and reach the stream through the reaper.
package prdwriter // import "go.opentelemetry.io/cpuprof/prdwriter"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/cpuprof/bufferpool"
	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/percore"
	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/reaper"
	"go.opentelemetry.io/cpuprof/samplebuf"
)

var (
	// ErrNotOpened is returned when writing to a closed Writer.
	ErrNotOpened = errors.New("output stream is not open")
	// ErrAsyncActive is returned for operations not allowed in asynchronous
	// mode.
	ErrAsyncActive = errors.New("asynchronous mode is active")
	// ErrAsyncInactive is returned for operations that need asynchronous mode.
	ErrAsyncInactive = errors.New("asynchronous mode is not active")
	// ErrHeaderWritten is returned if the header is written twice.
	ErrHeaderWritten = errors.New("header already written")
)

// Compression selects the framing of the stream.
type Compression uint8

const (
	None Compression = iota
	Zstd
	Gzip
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case Gzip:
		return "gzip"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression parses the name of a compression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "gzip":
		return Gzip, nil
	}
	return None, fmt.Errorf("unknown compression %q", name)
}

// Options configures a Writer.
type Options struct {
	Compression Compression
}

// AsyncOptions configures asynchronous mode.
type AsyncOptions struct {
	// ClientID is stamped into every sample buffer.
	ClientID uint8
	// Slots is the number of per-core buffer slots.
	Slots int
	// Buffers is the number of buffers reserved up front.
	Buffers int
	// Capacity is the number of records per buffer.
	Capacity int
	// Reaper configures the consumer. Write errors are also reported
	// through it.
	Reaper reaper.Options
}

// Stats are the totals of a Writer.
type Stats struct {
	// Records is the number of records written by the control path and
	// the reaper, buffer records included.
	Records uint64
	// Bytes is the number of uncompressed bytes written.
	Bytes  uint64
	Reaper reaper.Counters
}

type async struct {
	pool   *bufferpool.Pool
	reaper *reaper.Reaper
	slots  *percore.Slots
}

// Writer writes one stream.
type Writer struct {
	// mu protects the stream and the fields below.
	mu     sync.Mutex
	out    io.Writer
	enc    io.WriteCloser
	closer io.Closer
	open   bool

	headerWritten bool
	last          reaper.Counters

	// async is set while asynchronous mode is active. It is read without
	// the mutex on the sample path.
	async atomic.Pointer[async]

	records atomic.Uint64
	bytes   atomic.Uint64
}

// Open returns a Writer for w. If w is an io.Closer, Close closes it.
func Open(w io.Writer, opts Options) (*Writer, error) {
	wr := &Writer{out: w, open: true}
	if c, ok := w.(io.Closer); ok {
		wr.closer = c
	}

	switch opts.Compression {
	case None:
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		wr.enc = enc
		wr.out = enc
	case Gzip:
		enc := gzip.NewWriter(w)
		wr.enc = enc
		wr.out = enc
	default:
		return nil, fmt.Errorf("unsupported compression %v", opts.Compression)
	}
	return wr, nil
}

// Create creates the file at path and opens a Writer for it.
func Create(path string, opts Options) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	w, err := Open(f, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// write appends whole records. mu must be held.
func (w *Writer) write(data []byte) error {
	if !w.open {
		return ErrNotOpened
	}
	n, err := w.out.Write(data)
	w.bytes.Add(uint64(n))
	w.records.Add(uint64(n / prd.RecordSize))
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	return err
}

// Write implements io.Writer for the reaper.
func (w *Writer) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.write(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (w *Writer) writeRecords(n int, fill func(dst []byte)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return ErrNotOpened
	}
	if !w.headerWritten {
		return errors.New("header not written")
	}
	dst := make([]byte, n*prd.RecordSize)
	fill(dst)
	return w.write(dst)
}

// WriteHeader writes the stream header and, if ext is not nil, the extended
// header. It must be the first write.
func (w *Writer) WriteHeader(h prd.Header, ext *prd.ExtHeader) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return ErrNotOpened
	}
	if w.headerWritten {
		return ErrHeaderWritten
	}
	if h.Version == 0 {
		h.Version = prd.Version
	}

	n := 1
	if ext != nil {
		n++
	}
	dst := make([]byte, n*prd.RecordSize)
	h.Encode(dst)
	if ext != nil {
		ext.Encode(dst[prd.RecordSize:])
	}
	if err := w.write(dst); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	w.headerWritten = true
	return nil
}

// WriteCPUInfo writes one record per core.
func (w *Writer) WriteCPUInfo(infos []prd.CPUInfo) error {
	if len(infos) == 0 {
		return nil
	}
	return w.writeRecords(len(infos), func(dst []byte) {
		for i := range infos {
			infos[i].Encode(dst[i*prd.RecordSize:])
		}
	})
}

// WriteConfig writes a configuration record.
func (w *Writer) WriteConfig(c prd.Config) error {
	return w.writeRecords(1, c.Encode)
}

// WritePIDList writes the attached process IDs.
func (w *Writer) WritePIDList(pids []uint32) error {
	return w.writeRecords(prd.PIDConfigRecords(len(pids)), func(dst []byte) {
		prd.EncodePIDConfig(dst, pids)
	})
}

// WriteMissed writes a missed data record.
func (w *Writer) WriteMissed(m prd.Missed) error {
	return w.writeRecords(1, m.Encode)
}

// ActivateAsync reserves buffers and starts the reaper. Buffers are then
// available through Reserve.
func (w *Writer) ActivateAsync(ctx context.Context, opts AsyncOptions) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return ErrNotOpened
	}
	if w.async.Load() != nil {
		return ErrAsyncActive
	}
	if opts.Capacity <= 0 {
		opts.Capacity = samplebuf.DefaultCapacity
	}
	if opts.Buffers <= 0 {
		opts.Buffers = 2 * opts.Slots
	}

	pool, err := bufferpool.New(max(opts.Buffers, bufferpool.DefaultMaxBuffers), opts.Capacity)
	if err != nil {
		return err
	}
	if err = pool.Reserve(opts.Buffers); err != nil {
		return fmt.Errorf("failed to reserve sample buffers: %w", err)
	}
	r, err := reaper.New(pool, w, opts.Reaper)
	if err != nil {
		pool.Free(opts.Buffers)
		return err
	}
	slots, err := percore.New(opts.ClientID, opts.Slots, pool, r)
	if err != nil {
		pool.Free(opts.Buffers)
		return err
	}
	if err = r.Start(ctx); err != nil {
		pool.Free(opts.Buffers)
		return err
	}

	w.async.Store(&async{pool: pool, reaper: r, slots: slots})
	log.Debugf("Reserved %d sample buffers of %d records", opts.Buffers, opts.Capacity)
	return nil
}

// Reserve returns the buffer of slot core with room for count records, or
// nil. It is safe to call from interrupt context while asynchronous mode is
// active. Only the owner of a slot may call it.
func (w *Writer) Reserve(level irql.Level, core, count int) *samplebuf.Buffer {
	a := w.async.Load()
	if a == nil {
		return nil
	}
	return a.slots.Reserve(level, core, count)
}

// Slots returns the per-core slots while asynchronous mode is active.
func (w *Writer) Slots() *percore.Slots {
	if a := w.async.Load(); a != nil {
		return a.slots
	}
	return nil
}

// PoolFree returns the number of free buffers, or zero if asynchronous mode
// is inactive.
func (w *Writer) PoolFree() int {
	if a := w.async.Load(); a != nil {
		return a.pool.FreeCount()
	}
	return 0
}

// Pending returns the number of buffers queued for the reaper.
func (w *Writer) Pending() int {
	if a := w.async.Load(); a != nil {
		return a.reaper.Pending()
	}
	return 0
}

// DeactivateAsync flushes all per-core buffers, waits until the reaper has
// written them and releases the buffers. Producers must have stopped.
func (w *Writer) DeactivateAsync() error {
	a := w.async.Swap(nil)
	if a == nil {
		return ErrAsyncInactive
	}

	flushed := a.slots.Flush()
	a.reaper.Stop()
	freed := a.pool.Free(a.pool.Reserved())
	if n := a.pool.Reserved(); n != 0 {
		log.Warnf("%d sample buffers were not returned", n)
	}
	log.Debugf("Flushed %d partial buffers, freed %d buffers", flushed, freed)

	w.mu.Lock()
	w.last = a.reaper.Counters()
	w.mu.Unlock()
	return nil
}

// Stats returns the totals.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Stats{
		Records: w.records.Load(),
		Bytes:   w.bytes.Load(),
		Reaper:  w.last,
	}
	if a := w.async.Load(); a != nil {
		s.Reaper = a.reaper.Counters()
	}
	return s
}

// Close deactivates asynchronous mode if needed, flushes the compressor and
// closes the underlying writer.
func (w *Writer) Close() error {
	if err := w.DeactivateAsync(); err != nil && !errors.Is(err, ErrAsyncInactive) {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return ErrNotOpened
	}
	w.open = false

	var errs []error
	if w.enc != nil {
		errs = append(errs, w.enc.Close())
	}
	if w.closer != nil {
		errs = append(errs, w.closer.Close())
	}
	return errors.Join(errs...)
}
