// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package driver implements the sampling driver: the Device that owns all
// process wide state and the client sessions that turn samples into a
// profile record stream.
//
// Sample delivery may run at raised levels. It never blocks or allocates, and
// it never fails. The OS notification hooks change session state only at
// pageable levels and ignore calls above them. Everything else is control
// path and expects irql.Passive.
package driver // import "go.opentelemetry.io/cpuprof/driver"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/modulerange"
	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/remotememory"
	"go.opentelemetry.io/cpuprof/samplebuf"
	"go.opentelemetry.io/cpuprof/stackwalk"
	"go.opentelemetry.io/cpuprof/times"
	"go.opentelemetry.io/cpuprof/unwindinfo"
)

// Config configures a Device.
type Config struct {
	NumCores int
	// KernelModules are the code ranges of the kernel and its drivers. The
	// kernel index is built from them once and never changes afterwards.
	KernelModules []modulerange.Range
	KernelMemory  remotememory.RemoteMemory
	// Memory returns the memory of a user process.
	Memory    func(pid libpf.PID) remotememory.RemoteMemory
	LoadImage func(path string) (*unwindinfo.Image, error)
	Space     stackwalk.AddressSpace
	CallSites stackwalk.CallSiteValidator
	// UserStackQueue is the capacity of the deferred user stack queue.
	UserStackQueue int
	// Clock returns the current tick, TimerFrequency ticks per second.
	Clock          func() uint64
	TimerFrequency uint64
	// Buffers and BufferCapacity size the sample buffers of every session.
	Buffers        int
	BufferCapacity int
	// CPUInfo is written to the header of every session.
	CPUInfo []prd.CPUInfo
	Times   times.IntervalsAndTimers
}

// Device is the root of all driver state.
type Device struct {
	cfg        Config
	dispatcher *stackwalk.Dispatcher

	clients [stackwalk.MaxClients]atomic.Pointer[Client]
	// suspended has a bit set for each client whose sampling is suspended.
	suspended atomic.Uint32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   <-chan libpf.Void
}

// New builds the kernel module index and the stack trace dispatcher.
func New(cfg Config) (*Device, error) {
	if cfg.NumCores <= 0 {
		return nil, fmt.Errorf("%w: %d cores", ErrInvalidArgument, cfg.NumCores)
	}
	if cfg.Clock == nil {
		cfg.Clock = func() uint64 { return uint64(times.GetKTime()) }
		cfg.TimerFrequency = 1e9
	}
	if cfg.TimerFrequency == 0 {
		cfg.TimerFrequency = 1e9
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = 2 * (cfg.NumCores + reservedSlots)
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = samplebuf.DefaultCapacity
	}
	if cfg.Times == nil {
		cfg.Times = times.New(0, 0)
	}

	kernel := modulerange.New(len(cfg.KernelModules))
	for _, r := range cfg.KernelModules {
		if !kernel.Insert(irql.Passive, r) {
			return nil, fmt.Errorf("%w: overlapping kernel module %v", ErrInvalidArgument, r)
		}
	}

	d := &Device{cfg: cfg}
	dispatcher, err := stackwalk.NewDispatcher(stackwalk.Config{
		Kernel:       kernel,
		KernelMemory: cfg.KernelMemory,
		Memory:       cfg.Memory,
		Space:        cfg.Space,
		CallSites:    cfg.CallSites,
		LoadImage:    cfg.LoadImage,
		NumCores:     cfg.NumCores,
		QueueSize:    cfg.UserStackQueue,
		PollInterval: cfg.Times.UserStackPollInterval(),
		Clock:        cfg.Clock,
		OnUserStack:  d.userStackComplete,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stack trace dispatcher: %w", err)
	}
	d.dispatcher = dispatcher
	log.Debugf("Device with %d cores and %d kernel modules", cfg.NumCores, kernel.Len())
	return d, nil
}

// NumCores returns the number of cores samples are delivered for.
func (d *Device) NumCores() int {
	return d.cfg.NumCores
}

// Dispatcher returns the stack trace dispatcher.
func (d *Device) Dispatcher() *stackwalk.Dispatcher {
	return d.dispatcher
}

// Start runs the deferred user stack worker until Close.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return errors.New("device already started")
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = d.dispatcher.Start(ctx)
	return nil
}

// Close stops all sessions, unregisters all clients and stops the worker.
func (d *Device) Close(ctx context.Context) error {
	var errs []error
	for id := range d.clients {
		if d.clients[id].Load() != nil {
			errs = append(errs, d.UnregisterClient(ctx, uint32(id)))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		<-d.done
		d.cancel, d.done = nil, nil
	}
	return errors.Join(errs...)
}

// RegisterClient claims a free client slot for owner.
func (d *Device) RegisterClient(owner string) (*Client, error) {
	for id := range d.clients {
		c := newClient(d, uint32(id), owner)
		if d.clients[id].CompareAndSwap(nil, c) {
			log.Debugf("Registered client %d for %s", id, owner)
			return c, nil
		}
	}
	return nil, ErrTooManyClients
}

// UnregisterClient stops the session of a client and frees its slot.
func (d *Device) UnregisterClient(ctx context.Context, id uint32) error {
	c := d.Client(id)
	if c == nil {
		return ErrNoClient
	}
	var err error
	if c.State()&StateProfiling != 0 {
		err = c.Stop(ctx)
	}
	c.clear()
	d.dispatcher.UnregisterClient(id)
	d.SetSamplingSuspended(id, false)
	d.clients[id].Store(nil)
	log.Debugf("Unregistered client %d", id)
	return err
}

// Client returns the client with the given ID or nil.
func (d *Device) Client(id uint32) *Client {
	if id >= stackwalk.MaxClients {
		return nil
	}
	return d.clients[id].Load()
}

// NumClients returns the number of registered clients.
func (d *Device) NumClients() int {
	n := 0
	for id := range d.clients {
		if d.clients[id].Load() != nil {
			n++
		}
	}
	return n
}

// SetSamplingSuspended suspends or resumes the sample delivery of a client
// without touching its session state.
func (d *Device) SetSamplingSuspended(id uint32, suspended bool) {
	if id >= stackwalk.MaxClients {
		return
	}
	if suspended {
		d.suspended.Or(1 << id)
	} else {
		d.suspended.And(^uint32(1 << id))
	}
}

// IsSamplingSuspended reports whether sample delivery of a client is
// suspended.
func (d *Device) IsSamplingSuspended(id uint32) bool {
	return id < stackwalk.MaxClients && d.suspended.Load()&(1<<id) != 0
}

// DeliverSample is the interrupt entry point. It routes s to the client
// named by s.ClientID.
func (d *Device) DeliverSample(level irql.Level, s *SampleData) {
	c := d.Client(s.ClientID)
	if c == nil || d.IsSamplingSuspended(s.ClientID) {
		return
	}
	c.deliver(level, s)
}

func (d *Device) userStackComplete(us *stackwalk.UserStack) {
	if c := d.Client(us.ClientID); c != nil {
		c.userStackComplete(us)
	}
}

// ProcessCreated is called when parent created pid on core.
func (d *Device) ProcessCreated(level irql.Level, parent, pid libpf.PID, core int) {
	for id := range d.clients {
		if c := d.clients[id].Load(); c != nil {
			c.processCreated(level, parent, pid, core)
		}
	}
}

// ProcessDestroyed is called when pid exited.
func (d *Device) ProcessDestroyed(level irql.Level, pid libpf.PID) {
	for id := range d.clients {
		if c := d.clients[id].Load(); c != nil {
			c.processDestroyed(level, pid)
		}
	}
}

// ModuleLoaded is called when pid mapped a module. It reports whether the
// module was added to the process' stack walking state.
func (d *Device) ModuleLoaded(level irql.Level, pid libpf.PID, r modulerange.Range) bool {
	p := d.dispatcher.FindStackWalker(pid)
	if p == nil {
		return false
	}
	return p.AddModule(level, r)
}

// Stats returns the totals of all registered clients.
func (d *Device) Stats() Stats {
	var s Stats
	for id := range d.clients {
		if c := d.clients[id].Load(); c != nil {
			s.add(c.Stats())
		}
	}
	return s
}
