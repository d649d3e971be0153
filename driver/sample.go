// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package driver // import "go.opentelemetry.io/cpuprof/driver"

import (
	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/stackwalk"
)

// SampleData is one sample as delivered by a sample source.
type SampleData struct {
	// ClientID names the client the sample belongs to.
	ClientID     uint32
	Core         int
	Type         prd.ConfigType
	ResourceID   uint8
	ControlValue uint64
	// Weight is the number of periods the sample stands for.
	Weight uint8
	PID    libpf.PID
	TID    libpf.TID
	// Time is the clock value at the time of the sample.
	Time  uint64
	Frame stackwalk.TrapFrame
	// UserFrame is the user mode state of a thread sampled in kernel mode,
	// if the source knows it.
	UserFrame *stackwalk.TrapFrame
	// Callchain is a kernel call stack supplied by the source.
	Callchain []libpf.Address
}

// enter registers a sample path call. It fails once the session is stopping.
func (c *Client) enter() bool {
	c.inflight.Add(1)
	st := c.State()
	if st&StateProfiling == 0 || st&(StatePaused|StateStopping) != 0 {
		c.inflight.Add(-1)
		return false
	}
	return true
}

func (c *Client) leave() {
	c.inflight.Add(-1)
}

// findConfig returns the index of the configuration s was taken for or -1.
func (c *Client) findConfig(s *SampleData) int {
	for i := range c.configs {
		cfg := &c.configs[i]
		if cfg.Type != s.Type {
			continue
		}
		if cfg.Type == prd.ConfigTimer ||
			(cfg.ResourceID == s.ResourceID && cfg.ControlValue == s.ControlValue) {
			return i
		}
	}
	return -1
}

// intervalElapsed counts one sample against the call stack interval of core
// and reports whether a call stack is due.
func (c *Client) intervalElapsed(core int) bool {
	if c.cssCountdown[core] > 1 {
		c.cssCountdown[core]--
		return false
	}
	c.cssCountdown[core] = c.css.Interval
	return true
}

// deliver records one sample. It runs on the sampled core.
func (c *Client) deliver(level irql.Level, s *SampleData) {
	if s.Core < 0 || s.Core >= c.dev.cfg.NumCores || !c.enter() {
		return
	}
	defer c.leave()

	attached := c.pids.contains(s.PID)
	if !c.systemWide() && !attached {
		return
	}
	idx := c.findConfig(s)
	if idx < 0 || !c.configs[idx].isValidCore(s.Core) {
		return
	}
	cfg := &c.configs[idx]
	if cfg.counting {
		c.counts[s.Core*len(c.configs)+idx].Add(uint64(max(s.Weight, 1)))
		return
	}
	if c.writer == nil {
		return
	}

	css := c.cssEnabled() && attached
	due := css && c.intervalElapsed(s.Core)
	kernelMode := s.Frame.Mode == stackwalk.KernelMode
	is64 := s.Frame.Width == stackwalk.Width64 || kernelMode

	var kernel []libpf.Address
	kernelCSS := due && kernelMode && c.css.Mode&CSSKernelMode != 0
	if kernelCSS {
		kernel = s.Callchain
		if len(kernel) == 0 {
			kernel = c.dev.dispatcher.CaptureKernelStackBackTrace(level, s.Core, &s.Frame,
				c.css.MaxDepth)
		} else if len(kernel) > int(c.css.MaxDepth) {
			kernel = kernel[:c.css.MaxDepth]
		}
	}

	weights := &c.weights[s.Core][cfg.Type&1]
	weightChanged := s.Weight != 0 && weights[cfg.ResourceID] != s.Weight

	count := 1
	if weightChanged {
		count++
	}
	if len(kernel) > 0 {
		count += prd.KernelCallStackRecords(len(kernel), true)
	}

	buf := c.writer.Reserve(level, s.Core, count)
	if buf == nil {
		c.missed.IncrementMissed(s.Core, idx)
		return
	}

	if weightChanged {
		weights[cfg.ResourceID] = s.Weight
		buf.AppendResourceWeights(&prd.Weight{
			ResourceType: cfg.Type,
			Core:         uint16(s.Core),
			Weights:      weights[:],
		})
	}
	sample := prd.Sample{
		Type:        cfg.Type.SampleType(),
		Core:        uint16(s.Core),
		PID:         uint32(s.PID),
		TID:         uint32(s.TID),
		ResourceID:  cfg.ResourceID,
		ConfigIndex: cfg.Index,
		IP:          uint64(s.Frame.IP),
		Tick:        s.Time - c.startTick,
	}
	if kernelMode {
		sample.Flags |= prd.FlagKernel
	}
	if is64 {
		sample.Flags |= prd.Flag64
	}
	buf.AppendSampleData(&sample)
	if len(kernel) > 0 {
		buf.AppendKernelCallStack(kernel, true)
	}
	c.samples.Add(1)
	c.records.Add(uint64(count))

	if !due || c.css.Mode&CSSUserMode == 0 || !c.userStacks.Load() {
		return
	}
	frame := &s.Frame
	if kernelMode {
		if s.UserFrame == nil {
			return
		}
		frame = s.UserFrame
	}
	if !c.dev.dispatcher.EnqueueUserStackBackTrace(&stackwalk.Request{
		ClientID: c.id,
		PID:      s.PID,
		TID:      s.TID,
		Core:     uint16(s.Core),
		Time:     s.Time,
		Frame:    *frame,
	}) {
		c.userStacksMissed.Add(1)
	}
}

// userStackComplete records a walked user stack. It runs on the user stack
// worker and writes to the worker's own buffer slot.
func (c *Client) userStackComplete(us *stackwalk.UserStack) {
	if !c.userStacks.Load() {
		return
	}
	c.inflight.Add(1)
	defer c.inflight.Add(-1)
	if !c.userStacks.Load() || c.writer == nil {
		return
	}

	count := prd.UserCallStackRecords(len(us.Callers), us.Is64)
	if len(us.Values) > 0 {
		count += prd.VirtualStackRecords(len(us.Values))
	}
	buf := c.writer.Reserve(irql.APC, c.userSlot(), count)
	if buf == nil {
		c.userStacksMissed.Add(1)
		return
	}
	buf.AppendUserCallStack(&prd.UserCallStack{
		PID:       uint32(us.PID),
		TID:       uint32(us.TID),
		Core:      us.Core,
		StartTick: us.Start - c.startTick,
		EndTick:   us.End - c.startTick,
	}, us.Callers, us.Is64)
	if len(us.Values) > 0 {
		buf.AppendVirtualStack(uint64(us.SP), uint64(us.FP), us.Values, us.Is64)
	}
	c.userStackCount.Add(1)
	c.records.Add(uint64(count))
}

// processCreated attaches pid if its parent is attached and children are
// followed. Attaching allocates, so it only happens at pageable levels.
func (c *Client) processCreated(level irql.Level, parent, pid libpf.PID, core int) {
	if !level.Pageable() {
		return
	}
	if !c.autoAttach || !c.pids.contains(parent) || !c.pids.attach(pid) {
		return
	}
	if !c.enter() {
		return
	}
	defer c.leave()

	if c.cssEnabled() {
		if _, err := c.dev.dispatcher.AcquireStackWalker(level, pid, c.id,
			c.css.MaxDepth, nil); err != nil {
			c.pids.detach(pid)
			return
		}
	}
	c.writeProcessID(level, parent, pid, core)
}

// writeProcessID records an attached child process on the control slot.
func (c *Client) writeProcessID(level irql.Level, parent, pid libpf.PID, core int) {
	if c.writer == nil {
		return
	}
	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	buf := c.writer.Reserve(level, c.controlSlot(), 1)
	if buf == nil {
		return
	}
	buf.AppendProcessID(&prd.ProcessID{
		Core:      uint16(max(core, 0)),
		PID:       uint32(pid),
		ParentPID: uint32(parent),
		Tick:      c.dev.cfg.Clock() - c.startTick,
	})
	c.records.Add(1)
}

// processDestroyed detaches pid.
func (c *Client) processDestroyed(level irql.Level, pid libpf.PID) {
	if !level.Pageable() || !c.pids.detach(pid) {
		return
	}
	if c.cssEnabled() {
		c.dev.dispatcher.ReleaseStackWalker(pid, c.id)
	}
}
