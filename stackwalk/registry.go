// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/cpuprof/stackwalk"

import (
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/modulerange"
)

// MaxClients is the number of sampling clients a process can be registered
// with.
const MaxClients = 32

// refUninitialized is the reference count of a Process that holds no state.
const refUninitialized = -1

// Process is the stack walking state of one sampled process: the code ranges
// of its modules and the set of clients that capture its call stacks.
//
// The reference count starts at refUninitialized. The first Initialize builds
// the module index, every later one only adds a reference. Release drops a
// reference and tears the state down when the last one is gone.
type Process struct {
	// mu serializes setup and teardown. Reference counting, client
	// registration and lookups do not take it.
	mu sync.Mutex

	ref      atomic.Int32
	pid      atomic.Uint32
	clients  atomic.Uint32
	maxDepth atomic.Uint32

	modules *modulerange.Index
	env     Env

	// setups counts module index builds, teardowns counts teardowns.
	setups, teardowns atomic.Uint64
}

// NewProcess returns an uninitialized Process. env is the template for its
// walks. Its Modules field is replaced by the process' own index.
func NewProcess(env Env) *Process {
	p := &Process{modules: modulerange.New(0)}
	p.ref.Store(refUninitialized)
	p.env = env
	p.env.Modules = p.modules
	return p
}

// Initialize builds the module index of the process from ranges on the first
// call and only adds a reference on later calls. It reports whether this call
// performed the setup. Setup needs a pageable level. If it can not run, the
// Process stays uninitialized.
func (p *Process) Initialize(level irql.Level, pid libpf.PID, ranges []modulerange.Range) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		ref := p.ref.Load()
		switch {
		case ref > 0:
			if p.ref.CompareAndSwap(ref, ref+1) {
				return false
			}
		case ref == 0:
			// The last reference was released but the teardown is still
			// waiting for the lock. Do it now, the pending one becomes a no-op.
			p.teardown()
		default:
			if !level.Pageable() {
				return false
			}
			p.modules.Clear()
			if len(ranges) > 0 {
				p.modules.InsertRanges(level, ranges)
			}
			p.pid.Store(uint32(pid))
			p.setups.Add(1)
			p.ref.Store(1)
			return true
		}
	}
}

// teardown clears all state. The caller holds mu and the count is zero.
func (p *Process) teardown() {
	p.pid.Store(0)
	p.clients.Store(0)
	p.modules.Clear()
	p.maxDepth.Store(0)
	p.teardowns.Add(1)
	p.ref.Store(refUninitialized)
}

// Deinitialize clears all state. It only acts once Release calls dropped the
// count to zero and returns false otherwise.
func (p *Process) Deinitialize() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ref.Load() != 0 {
		return false
	}
	p.teardown()
	return true
}

// AddRef adds a reference to an initialized Process and returns the new
// count. An uninitialized or released Process is left alone and a count of
// zero or less is returned.
func (p *Process) AddRef() int32 {
	for {
		ref := p.ref.Load()
		if ref <= 0 {
			return ref
		}
		if p.ref.CompareAndSwap(ref, ref+1) {
			return ref + 1
		}
	}
}

// Release drops a reference and returns the new count. Dropping the last
// reference deinitializes the Process. Releasing a Process without
// references is refused.
func (p *Process) Release() int32 {
	for {
		ref := p.ref.Load()
		if ref <= 0 {
			return ref
		}
		if p.ref.CompareAndSwap(ref, ref-1) {
			if ref == 1 {
				p.Deinitialize()
			}
			return ref - 1
		}
	}
}

// IsValid reports whether the Process holds references.
func (p *Process) IsValid() bool {
	return p.ref.Load() > 0
}

// IsInitialized reports whether the Process was set up and not torn down.
func (p *Process) IsInitialized() bool {
	return p.ref.Load() >= 0
}

// RefCount returns the current reference count.
func (p *Process) RefCount() int32 {
	return p.ref.Load()
}

// PID returns the process the state was initialized for.
func (p *Process) PID() libpf.PID {
	return libpf.PID(p.pid.Load())
}

// Modules returns the module index of the process.
func (p *Process) Modules() *modulerange.Index {
	return p.modules
}

// AddModule adds the code range of a newly loaded module.
func (p *Process) AddModule(level irql.Level, r modulerange.Range) bool {
	return p.modules.Insert(level, r)
}

// RegisterClient marks clientID as capturing stacks of this process and
// raises the maximum requested depth to maxDepth. The depth never decreases
// while the process is initialized. It reports whether the client was newly
// registered.
func (p *Process) RegisterClient(clientID uint32, maxDepth uint32) bool {
	if clientID >= MaxClients {
		return false
	}
	bit := uint32(1) << clientID
	registered := p.clients.Or(bit)&bit == 0

	for {
		depth := p.maxDepth.Load()
		if depth >= maxDepth || p.maxDepth.CompareAndSwap(depth, maxDepth) {
			break
		}
	}
	return registered
}

// UnregisterClient clears the registration of clientID and reports whether it
// was registered.
func (p *Process) UnregisterClient(clientID uint32) bool {
	if clientID >= MaxClients {
		return false
	}
	bit := uint32(1) << clientID
	return p.clients.And(^bit)&bit != 0
}

// IsClientRegistered reports whether clientID captures stacks of this process.
func (p *Process) IsClientRegistered(clientID uint32) bool {
	if clientID >= MaxClients {
		return false
	}
	return p.clients.Load()&(1<<clientID) != 0
}

// HasClients reports whether any client is registered.
func (p *Process) HasClients() bool {
	return p.clients.Load() != 0
}

// MaxDepth returns the deepest stack any registered client asked for.
func (p *Process) MaxDepth() uint32 {
	return p.maxDepth.Load()
}

// CaptureStackBackTrace walks the stack of a thread of this process.
func (p *Process) CaptureStackBackTrace(level irql.Level, frame *TrapFrame,
	callers []libpf.Address) (int, bool) {
	return CaptureStackBackTrace(&p.env, level, frame, callers)
}

// CaptureStackPotentialValues scans the stack of a thread of this process.
func (p *Process) CaptureStackPotentialValues(level irql.Level, frame *TrapFrame,
	values []PotentialValue) int {
	return CaptureStackPotentialValues(&p.env, level, frame, values)
}
