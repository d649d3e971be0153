// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/cpuprof/stackwalk"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/libpf/lockfree"
	"go.opentelemetry.io/cpuprof/modulerange"
	"go.opentelemetry.io/cpuprof/periodiccaller"
	"go.opentelemetry.io/cpuprof/remotememory"
	"go.opentelemetry.io/cpuprof/successfailurecounter"
	"go.opentelemetry.io/cpuprof/times"
	"go.opentelemetry.io/cpuprof/unwindinfo"
)

// Request asks for the user stack of a sampled thread to be walked outside of
// interrupt context.
type Request struct {
	ClientID uint32
	PID      libpf.PID
	TID      libpf.TID
	Core     uint16
	// Time is the sample timestamp.
	Time  uint64
	Frame TrapFrame
}

// UserStack is the result of a deferred user stack walk. The slices are only
// valid during the completion callback.
type UserStack struct {
	ClientID uint32
	PID      libpf.PID
	TID      libpf.TID
	Core     uint16
	Callers  []libpf.Address
	Is64     bool
	Values   []PotentialValue
	SP, FP   libpf.Address
	// Start is the sample timestamp, End the time the walk completed.
	Start, End uint64
}

// Config configures a Dispatcher.
type Config struct {
	// Kernel holds the kernel module ranges. Their function tables should be
	// installed up front, they can not be built at interrupt level.
	Kernel       *modulerange.Index
	KernelMemory remotememory.RemoteMemory
	// Memory returns the memory of a sampled process.
	Memory    func(pid libpf.PID) remotememory.RemoteMemory
	Space     AddressSpace
	CallSites CallSiteValidator
	LoadImage func(path string) (*unwindinfo.Image, error)
	// NumCores sizes the per-core kernel stack buffers.
	NumCores int
	// QueueSize is the capacity of the user stack request queue.
	QueueSize int
	// PollInterval is how often pending requests are drained untriggered.
	PollInterval time.Duration
	// Clock stamps the completion of user stack walks.
	Clock func() uint64
	// OnUserStack receives every completed user stack walk.
	OnUserStack func(*UserStack)
}

// Counters are the dispatcher's activity counts since the last SwapCounters.
type Counters struct {
	KernelWalks, KernelWalkFailures uint64
	UserWalks, UserWalkFailures     uint64
	Frames                          uint64
	DroppedRequests                 uint64
}

// Dispatcher owns the per-process stack walking state, captures kernel stacks
// at sample time and walks user stacks later on a worker.
type Dispatcher struct {
	cfg       Config
	kernelEnv Env

	// mu serializes changes of walkers. Lookups read the current map
	// without locking.
	mu      sync.Mutex
	walkers atomic.Pointer[map[libpf.PID]*Process]

	// valueClients has a bit set for each client collecting potential
	// stack values.
	valueClients atomic.Uint32

	requests *lockfree.Ring[Request]
	trigger  chan bool

	kernelCallers [][]libpf.Address

	// drainMu serializes user stack walks. The buffers below belong to the
	// walk holding it.
	drainMu     sync.Mutex
	userCallers []libpf.Address
	userValues  []PotentialValue
	userStack   UserStack

	kernelWalks successfailurecounter.Counters
	userWalks   successfailurecounter.Counters
	frames      atomic.Uint64
	dropped     atomic.Uint64
}

// NewDispatcher returns a Dispatcher for cfg.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.NumCores <= 0 {
		return nil, fmt.Errorf("invalid core count %d", cfg.NumCores)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = times.UserStackPollInterval
	}
	if cfg.Space == (AddressSpace{}) {
		cfg.Space = AddressSpace64
	}
	if cfg.Clock == nil {
		cfg.Clock = func() uint64 { return uint64(times.GetKTime()) }
	}
	if cfg.Memory == nil {
		cfg.Memory = remotememory.NewProcessVirtualMemory
	}
	if cfg.Kernel == nil {
		cfg.Kernel = modulerange.New(0)
	}

	requests, err := lockfree.NewRing[Request](cfg.QueueSize)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:      cfg,
		requests: requests,
		trigger:  make(chan bool, 1),
		kernelEnv: Env{
			Memory:    cfg.KernelMemory,
			Kernel:    cfg.Kernel,
			Space:     cfg.Space,
			CallSites: cfg.CallSites,
		},
		kernelCallers: make([][]libpf.Address, cfg.NumCores),
		userCallers:   make([]libpf.Address, MaxDepth),
		userValues:    make([]PotentialValue, MaxDepth),
	}
	for i := range d.kernelCallers {
		d.kernelCallers[i] = make([]libpf.Address, MaxDepth)
	}
	walkers := make(map[libpf.PID]*Process)
	d.walkers.Store(&walkers)
	return d, nil
}

// Kernel returns the kernel module index.
func (d *Dispatcher) Kernel() *modulerange.Index {
	return d.cfg.Kernel
}

// FindStackWalker returns the state of pid or nil. It does not block.
func (d *Dispatcher) FindStackWalker(pid libpf.PID) *Process {
	p := (*d.walkers.Load())[pid]
	if p == nil || !p.IsValid() {
		return nil
	}
	return p
}

// NumStackWalkers returns the number of processes with stack walking state.
func (d *Dispatcher) NumStackWalkers() int {
	return len(*d.walkers.Load())
}

// update publishes a modified copy of the walkers map. Callers hold mu.
func (d *Dispatcher) update(fn func(walkers map[libpf.PID]*Process)) {
	old := *d.walkers.Load()
	walkers := make(map[libpf.PID]*Process, len(old)+1)
	for pid, p := range old {
		walkers[pid] = p
	}
	fn(walkers)
	d.walkers.Store(&walkers)
}

// AcquireStackWalker registers clientID for capturing the stacks of pid with
// up to maxDepth frames. The first acquisition for a process builds its module
// index from ranges. Later ones add ranges that are not known yet. Each
// registered client holds one reference on the process state.
func (d *Dispatcher) AcquireStackWalker(level irql.Level, pid libpf.PID, clientID, maxDepth uint32,
	ranges []modulerange.Range) (*Process, error) {
	if err := level.AtMost(irql.APC); err != nil {
		return nil, err
	}
	if clientID >= MaxClients {
		return nil, fmt.Errorf("client id %d out of range", clientID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p := (*d.walkers.Load())[pid]
	if p == nil || !p.IsInitialized() {
		p = NewProcess(Env{
			Memory:    d.cfg.Memory(pid),
			Kernel:    d.cfg.Kernel,
			Space:     d.cfg.Space,
			CallSites: d.cfg.CallSites,
			LoadImage: d.cfg.LoadImage,
		})
		if !p.Initialize(level, pid, ranges) {
			return nil, errors.New("failed to initialize stack walker")
		}
		d.update(func(walkers map[libpf.PID]*Process) { walkers[pid] = p })
		log.Debugf("Stack walking enabled for PID %d with %d modules", pid, p.Modules().Len())
	} else {
		p.Initialize(level, pid, nil)
		for _, r := range ranges {
			p.AddModule(level, r)
		}
	}

	if !p.RegisterClient(clientID, maxDepth) {
		// The client already holds a reference.
		p.Release()
	}
	return p, nil
}

// ReleaseStackWalker drops the registration of clientID for pid. It reports
// whether the client was registered.
func (d *Dispatcher) ReleaseStackWalker(pid libpf.PID, clientID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := (*d.walkers.Load())[pid]
	if p == nil || !p.UnregisterClient(clientID) {
		return false
	}
	d.releaseLocked(pid, p)
	return true
}

func (d *Dispatcher) releaseLocked(pid libpf.PID, p *Process) {
	if p.Release() > 0 {
		return
	}
	d.update(func(walkers map[libpf.PID]*Process) { delete(walkers, pid) })
	log.Debugf("Stack walking disabled for PID %d", pid)
}

// UnregisterClient drops all registrations of clientID.
func (d *Dispatcher) UnregisterClient(clientID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for pid, p := range *d.walkers.Load() {
		if p.UnregisterClient(clientID) {
			d.releaseLocked(pid, p)
		}
	}
	d.SetCaptureStackPotentialValues(clientID, false)
}

// SetCaptureStackPotentialValues enables or disables the potential stack
// values scan for user stacks requested by clientID.
func (d *Dispatcher) SetCaptureStackPotentialValues(clientID uint32, enable bool) {
	if clientID >= MaxClients {
		return
	}
	bit := uint32(1) << clientID
	if enable {
		d.valueClients.Or(bit)
	} else {
		d.valueClients.And(^bit)
	}
}

// CaptureKernelStackBackTrace walks the kernel stack of frame with at most
// maxDepth entries. The returned slice is owned by core and is only valid
// until the next capture on the same core.
func (d *Dispatcher) CaptureKernelStackBackTrace(level irql.Level, core int, frame *TrapFrame,
	maxDepth uint32) []libpf.Address {
	if core < 0 || core >= len(d.kernelCallers) || maxDepth == 0 {
		return nil
	}
	callers := d.kernelCallers[core]
	if int(maxDepth) < len(callers) {
		callers = callers[:maxDepth]
	}

	sfc := d.kernelWalks.Begin()
	n, _ := CaptureStackBackTrace(&d.kernelEnv, level, frame, callers)
	if n > 1 {
		sfc.ReportSuccess()
	}
	sfc.DefaultToFailure()
	d.frames.Add(uint64(n))
	return callers[:n]
}

// EnqueueUserStackBackTrace queues a user stack walk. It never blocks. A full
// queue drops the request and reports false.
func (d *Dispatcher) EnqueueUserStackBackTrace(req *Request) bool {
	if !d.requests.Push(*req) {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.trigger <- true:
	default:
	}
	return true
}

// Pending returns the number of queued user stack requests.
func (d *Dispatcher) Pending() int {
	return d.requests.Len()
}

// Start runs the user stack worker until ctx is canceled. The returned
// channel is closed when the worker exited.
func (d *Dispatcher) Start(ctx context.Context) <-chan libpf.Void {
	return periodiccaller.StartWithManualTrigger(ctx, d.cfg.PollInterval, d.trigger,
		func(bool) {
			d.Drain(irql.APC)
		})
}

// Drain walks all queued user stacks and returns how many requests were
// processed. Walks need a pageable level.
func (d *Dispatcher) Drain(level irql.Level) int {
	if !level.Pageable() {
		return 0
	}
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	n := 0
	for {
		req, ok := d.requests.Pop()
		if !ok {
			return n
		}
		d.walkUserStack(level, &req)
		n++
	}
}

func (d *Dispatcher) walkUserStack(level irql.Level, req *Request) {
	sfc := d.userWalks.Begin()
	defer sfc.DefaultToFailure()

	p := d.FindStackWalker(req.PID)
	if p == nil || !p.IsClientRegistered(req.ClientID) {
		return
	}

	callers := d.userCallers
	if depth := int(p.MaxDepth()); depth > 0 && depth < len(callers) {
		callers = callers[:depth]
	}
	n, is64 := p.CaptureStackBackTrace(level, &req.Frame, callers)
	if n > 1 {
		sfc.ReportSuccess()
	}
	d.frames.Add(uint64(n))

	var values []PotentialValue
	if d.valueClients.Load()&(1<<req.ClientID) != 0 {
		nv := p.CaptureStackPotentialValues(level, &req.Frame, d.userValues)
		values = d.userValues[:nv]
	}

	if d.cfg.OnUserStack == nil {
		return
	}
	us := &d.userStack
	*us = UserStack{
		ClientID: req.ClientID,
		PID:      req.PID,
		TID:      req.TID,
		Core:     req.Core,
		Callers:  callers[:n],
		Is64:     is64,
		Values:   values,
		SP:       req.Frame.SP(),
		FP:       req.Frame.FP(),
		Start:    req.Time,
		End:      d.cfg.Clock(),
	}
	d.cfg.OnUserStack(us)
}

// SwapCounters returns the activity counts and resets them.
func (d *Dispatcher) SwapCounters() Counters {
	var c Counters
	c.KernelWalks, c.KernelWalkFailures = d.kernelWalks.Swap()
	c.UserWalks, c.UserWalkFailures = d.userWalks.Swap()
	c.Frames = d.frames.Swap(0)
	c.DroppedRequests = d.dropped.Swap(0)
	return c
}
