// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package reaper implements the consumer that writes full sample buffers to
// the output stream and returns them to the pool.
//
// Producers hand buffers over with Enqueue, which never blocks. A single
// goroutine drains the queue in FIFO order whenever it is signaled and
// periodically. It is the only place where output I/O happens.
package reaper // import "go.opentelemetry.io/cpuprof/reaper"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/cpuprof/bufferpool"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/libpf/lockfree"
	"go.opentelemetry.io/cpuprof/periodiccaller"
	"go.opentelemetry.io/cpuprof/times"
)

// State is the state of a Reaper.
type State uint32

const (
	Idle State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// ErrStarted is returned by Start if the Reaper runs already.
var ErrStarted = errors.New("reaper already started")

// Options configures a Reaper.
type Options struct {
	// Interval is how often the queue is drained without being signaled.
	Interval time.Duration
	// OnError is called for every failed write.
	OnError func(error)
}

// Counters are the totals of a Reaper.
type Counters struct {
	Buffers     uint64
	Records     uint64
	Bytes       uint64
	WriteErrors uint64
}

// Reaper drains sample buffers to an io.Writer.
type Reaper struct {
	pool     *bufferpool.Pool
	w        io.Writer
	queue    *lockfree.Ring[bufferpool.Handle]
	interval time.Duration
	onError  func(error)

	trigger chan bool
	state   atomic.Uint32
	// enqueuing counts Enqueue calls between their state check and push.
	enqueuing atomic.Int32

	// drainMu makes sure only one goroutine writes at a time.
	drainMu sync.Mutex
	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    <-chan libpf.Void

	buffers     atomic.Uint64
	records     atomic.Uint64
	bytes       atomic.Uint64
	writeErrors atomic.Uint64
}

// New returns a Reaper that writes buffers of pool to w. Its queue can hold
// every buffer of the pool, so Enqueue only fails after Stop.
func New(pool *bufferpool.Pool, w io.Writer, opts Options) (*Reaper, error) {
	queue, err := lockfree.NewRing[bufferpool.Handle](pool.MaxBuffers())
	if err != nil {
		return nil, fmt.Errorf("failed to create reaper queue: %w", err)
	}
	if opts.Interval <= 0 {
		opts.Interval = times.ReaperInterval
	}
	if opts.OnError == nil {
		opts.OnError = func(error) {}
	}
	return &Reaper{
		pool:     pool,
		w:        w,
		queue:    queue,
		interval: opts.Interval,
		onError:  opts.OnError,
		trigger:  make(chan bool, 1),
	}, nil
}

// State returns the current state.
func (r *Reaper) State() State {
	return State(r.state.Load())
}

// Start launches the draining goroutine.
func (r *Reaper) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.done != nil {
		return ErrStarted
	}
	if r.State() == Stopped {
		return errors.New("reaper is stopped")
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = periodiccaller.StartWithManualTrigger(ctx, r.interval, r.trigger,
		func(bool) {
			r.Drain()
		})
	return nil
}

// Enqueue hands a finalized buffer over. It never blocks. It returns false if
// the buffer was not accepted, in which case the caller still owns it.
func (r *Reaper) Enqueue(h bufferpool.Handle) bool {
	r.enqueuing.Add(1)
	defer r.enqueuing.Add(-1)
	if r.State() == Stopped || !r.queue.Push(h) {
		return false
	}
	select {
	case r.trigger <- true:
	default:
	}
	return true
}

// Pending returns the approximate number of queued buffers.
func (r *Reaper) Pending() int {
	return r.queue.Len()
}

// Drain writes all queued buffers and returns their number.
func (r *Reaper) Drain() int {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	r.state.CompareAndSwap(uint32(Idle), uint32(Draining))
	defer r.state.CompareAndSwap(uint32(Draining), uint32(Idle))

	n := 0
	for {
		h, ok := r.queue.Pop()
		if !ok {
			return n
		}
		r.write(h)
		n++
	}
}

func (r *Reaper) write(h bufferpool.Handle) {
	// The buffer goes back to the pool whatever the outcome.
	defer r.pool.Release(h)

	buf := r.pool.Buffer(h)
	if buf == nil {
		return
	}
	data := buf.Bytes()
	n, err := r.w.Write(data)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	r.bytes.Add(uint64(n))
	if err != nil {
		if r.writeErrors.Add(1) == 1 {
			log.Errorf("Failed to write sample buffer of core %d: %v", buf.Core(), err)
		}
		r.onError(fmt.Errorf("failed to write sample buffer: %w", err))
		return
	}
	r.buffers.Add(1)
	r.records.Add(uint64(buf.Len()))
}

// Stop drains the queue, stops the goroutine and drains again so that nothing
// enqueued before Stop is lost. Later Enqueue calls fail.
func (r *Reaper) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.Drain()
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.state.Store(uint32(Stopped))
	// Enqueue calls that passed the state check before it changed finish
	// their push before the final drain.
	for r.enqueuing.Load() != 0 {
		runtime.Gosched()
	}
	if n := r.Drain(); n > 0 {
		log.Debugf("Reaper wrote %d late buffers", n)
	}
}

// Counters returns the totals.
func (r *Reaper) Counters() Counters {
	return Counters{
		Buffers:     r.buffers.Load(),
		Records:     r.records.Load(),
		Bytes:       r.bytes.Load(),
		WriteErrors: r.writeErrors.Load(),
	}
}
