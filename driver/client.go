// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package driver // import "go.opentelemetry.io/cpuprof/driver"

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/missed"
	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/prdwriter"
	"go.opentelemetry.io/cpuprof/reaper"
)

// State is the set of session state bits of a client.
type State uint32

const (
	StateOutputFileSet State = 1 << iota
	StateTimerSet
	StateEventSet
	StateCSSSet
	StatePIDFilterSet
	StateProfiling
	StatePaused
	StateStopping

	// StateNotConfigured is the state of a fresh session.
	StateNotConfigured State = 0
)

var stateNames = []string{"output", "timer", "event", "css", "pid-filter",
	"profiling", "paused", "stopping"}

func (s State) String() string {
	if s == StateNotConfigured {
		return "not-configured"
	}
	var names []string
	for i, name := range stateNames {
		if s&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

const (
	// reservedSlots are the buffer slots beyond one per core: one for the
	// user stack worker and one for the control path.
	reservedSlots = 2
)

// Stats are the totals of a session.
type Stats struct {
	Samples          uint64
	Records          uint64
	MissedSamples    uint64
	UserStacks       uint64
	UserStacksMissed uint64
	Buffers          uint64
	Bytes            uint64
	WriteErrors      uint64

	// Gauges of the running session, zero otherwise.
	FreeBuffers   int
	QueuedBuffers int
}

func (s *Stats) add(o Stats) {
	s.Samples += o.Samples
	s.Records += o.Records
	s.MissedSamples += o.MissedSamples
	s.UserStacks += o.UserStacks
	s.UserStacksMissed += o.UserStacksMissed
	s.Buffers += o.Buffers
	s.Bytes += o.Bytes
	s.WriteErrors += o.WriteErrors
	s.FreeBuffers += o.FreeBuffers
	s.QueuedBuffers += o.QueuedBuffers
}

// abortSignal is closed once per session.
type abortSignal struct {
	ch   chan libpf.Void
	once sync.Once
}

func newAbortSignal() *abortSignal {
	return &abortSignal{ch: make(chan libpf.Void)}
}

func (a *abortSignal) fire() {
	a.once.Do(func() { close(a.ch) })
}

// Client is one profiling session.
type Client struct {
	dev   *Device
	id    uint32
	owner string

	// mu serializes the control path.
	mu    sync.Mutex
	state atomic.Uint32

	lastError atomic.Uint32
	abort     atomic.Pointer[abortSignal]

	writer     *prdwriter.Writer
	configs    []configuration
	css        CSSConfig
	pids       pidFilter
	autoAttach bool
	missed     *missed.Counters
	// counts accumulates counting configurations per core.
	counts    []atomic.Uint64
	sessionID uuid.UUID
	startTick uint64

	// Per core sample path state, only touched by the core itself.
	cssCountdown []uint32
	weights      [][2][prd.MaxWeights]uint8

	// inflight counts sample path and user stack calls in progress.
	inflight   atomic.Int32
	userStacks atomic.Bool
	// controlMu guards the control slot.
	controlMu sync.Mutex

	samples          atomic.Uint64
	records          atomic.Uint64
	userStackCount   atomic.Uint64
	userStacksMissed atomic.Uint64
	final            Stats
}

func newClient(d *Device, id uint32, owner string) *Client {
	c := &Client{
		dev:          d,
		id:           id,
		owner:        owner,
		cssCountdown: make([]uint32, d.cfg.NumCores),
		weights:      make([][2][prd.MaxWeights]uint8, d.cfg.NumCores),
	}
	c.abort.Store(newAbortSignal())
	return c
}

// ID returns the client ID. Samples are routed by it.
func (c *Client) ID() uint32 {
	return c.id
}

// Owner returns the name the client was registered with.
func (c *Client) Owner() string {
	return c.owner
}

// State returns the session state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(bits State) {
	c.state.Or(uint32(bits))
}

func (c *Client) clearState(bits State) {
	c.state.And(^uint32(bits))
}

// LastError returns the last error code.
func (c *Client) LastError() ErrorCode {
	return ErrorCode(c.lastError.Load())
}

// SetLastError records code. Any code but Success fires the abort signal of
// the session.
func (c *Client) SetLastError(code ErrorCode) {
	c.lastError.Store(uint32(code))
	if code != Success {
		log.Debugf("Client %d error: %v", c.id, code)
		c.abort.Load().fire()
	}
}

// Abort returns a channel that is closed when the session fails.
func (c *Client) Abort() <-chan libpf.Void {
	return c.abort.Load().ch
}

// fail records the error code of err and returns err.
func (c *Client) fail(code ErrorCode, err error) error {
	c.SetLastError(code)
	return err
}

// configurable returns an error unless the session may be reconfigured.
func (c *Client) configurable() error {
	if c.State()&(StateProfiling|StateStopping) != 0 {
		return c.fail(InvalidOperation,
			fmt.Errorf("%w: session is %v", ErrInvalidOperation, c.State()))
	}
	return nil
}

// SetOutput sets the stream samples are written to. If w is an io.Closer it
// is closed when the session stops.
func (c *Client) SetOutput(w io.Writer, opts prdwriter.Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	pw, err := prdwriter.Open(w, opts)
	if err != nil {
		return c.fail(Error, err)
	}
	c.replaceWriter(pw)
	return nil
}

// SetOutputFile creates the file samples are written to.
func (c *Client) SetOutputFile(path string, opts prdwriter.Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	pw, err := prdwriter.Create(path, opts)
	if err != nil {
		return c.fail(FileWriteError, err)
	}
	c.replaceWriter(pw)
	return nil
}

func (c *Client) replaceWriter(pw *prdwriter.Writer) {
	if c.writer != nil {
		_ = c.writer.Close()
	}
	c.writer = pw
	c.setState(StateOutputFileSet)
}

// SetTimerConfiguration sets the timer configuration, replacing an earlier
// one.
func (c *Client) SetTimerConfiguration(tc TimerConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	if tc.Interval <= 0 {
		return c.fail(InvalidArg, fmt.Errorf("%w: timer interval %v", ErrInvalidArgument, tc.Interval))
	}

	cfg := configuration{Config: prd.Config{
		Type:     prd.ConfigTimer,
		Period:   uint64(tc.Interval.Nanoseconds()),
		CoreMask: tc.CoreMask,
	}}
	for i := range c.configs {
		if c.configs[i].Type == prd.ConfigTimer {
			c.configs[i].Config = cfg.Config
			return nil
		}
	}
	if len(c.configs) >= MaxConfigs {
		return c.fail(InvalidArg, fmt.Errorf("%w: too many configurations", ErrInvalidArgument))
	}
	c.configs = append(c.configs, cfg)
	c.setState(StateTimerSet)
	return nil
}

// AddEventConfiguration adds a hardware event configuration.
func (c *Client) AddEventConfiguration(ec EventConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	if ec.Period == 0 && !ec.Counting {
		return c.fail(InvalidArg, fmt.Errorf("%w: zero event period", ErrInvalidArgument))
	}
	if ec.ResourceID >= prd.MaxWeights {
		return c.fail(InvalidArg, fmt.Errorf("%w: resource %d", ErrInvalidArgument, ec.ResourceID))
	}
	if len(c.configs) >= MaxConfigs {
		return c.fail(InvalidArg, fmt.Errorf("%w: too many configurations", ErrInvalidArgument))
	}
	for i := range c.configs {
		k := c.configs[i].key()
		if k.Type == prd.ConfigEvent && k.ResourceID == ec.ResourceID &&
			k.ControlValue == ec.ControlValue {
			return c.fail(InvalidArg, fmt.Errorf("%w: duplicate event configuration",
				ErrInvalidArgument))
		}
	}

	c.configs = append(c.configs, configuration{
		Config: prd.Config{
			Type:         prd.ConfigEvent,
			ResourceID:   ec.ResourceID,
			Period:       ec.Period,
			ControlValue: ec.ControlValue,
			CoreMask:     ec.CoreMask,
		},
		counting: ec.Counting,
	})
	c.setState(StateEventSet)
	return nil
}

// SetCSSConfiguration enables call stack sampling. A target process is
// attached to.
func (c *Client) SetCSSConfiguration(css CSSConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	if err := css.Validate(); err != nil {
		return c.fail(InvalidArg, err)
	}
	c.css = css
	if css.TargetPID != 0 {
		c.pids.attach(css.TargetPID)
	}
	c.setState(StateCSSSet)
	return nil
}

// SetPIDFilter restricts sampling to pids. With autoAttach processes created
// by attached processes are attached as well.
func (c *Client) SetPIDFilter(pids []libpf.PID, autoAttach bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	if len(pids) == 0 || len(pids) > MaxPIDs {
		return c.fail(InvalidArg, fmt.Errorf("%w: %d processes", ErrInvalidArgument, len(pids)))
	}
	for _, pid := range pids {
		c.pids.attach(pid)
	}
	c.autoAttach = autoAttach
	c.setState(StatePIDFilterSet)
	return nil
}

// AttachedProcesses returns the attached process IDs.
func (c *Client) AttachedProcesses() []libpf.PID {
	return c.pids.list()
}

func (c *Client) systemWide() bool {
	return c.State()&StatePIDFilterSet == 0
}

func (c *Client) cssEnabled() bool {
	return c.State()&StateCSSSet != 0
}

func (c *Client) numSlots() int {
	return c.dev.cfg.NumCores + reservedSlots
}

func (c *Client) userSlot() int {
	return c.dev.cfg.NumCores
}

func (c *Client) controlSlot() int {
	return c.dev.cfg.NumCores + 1
}

// Start begins profiling. On failure the session is left unstarted.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.SetLastError(Success)
	if err := c.configurable(); err != nil {
		return err
	}
	if len(c.configs) == 0 {
		return c.fail(InvalidOperation, ErrNotConfigured)
	}
	counting := 0
	for i := range c.configs {
		if c.configs[i].counting {
			counting++
		}
	}
	if counting != len(c.configs) && c.writer == nil {
		return c.fail(InvalidOperation, ErrNoOutput)
	}

	numCores := c.dev.cfg.NumCores
	counters, err := missed.New(numCores, len(c.configs))
	if err != nil {
		return c.fail(Error, err)
	}
	for i := range c.configs {
		c.configs[i].Index = uint8(i)
		counters.SetKey(i, c.configs[i].key())
	}
	c.missed = counters
	c.counts = make([]atomic.Uint64, numCores*len(c.configs))
	clear(c.cssCountdown)
	clear(c.weights)
	c.sessionID = uuid.New()
	c.startTick = c.dev.cfg.Clock()
	c.final = Stats{}
	c.samples.Store(0)
	c.records.Store(0)
	c.userStackCount.Store(0)
	c.userStacksMissed.Store(0)

	if c.writer != nil {
		if err = c.writeSessionHeader(); err != nil {
			return c.fail(FileWriteError, err)
		}
		if err = c.writer.ActivateAsync(ctx, prdwriter.AsyncOptions{
			ClientID: uint8(c.id),
			Slots:    c.numSlots(),
			Buffers:  c.dev.cfg.Buffers,
			Capacity: c.dev.cfg.BufferCapacity,
			Reaper: reaper.Options{
				Interval: c.dev.cfg.Times.ReaperInterval(),
				OnError: func(error) {
					c.SetLastError(FileWriteError)
				},
			},
		}); err != nil {
			return c.fail(BufferNotAllocated, err)
		}
		c.userStacks.Store(true)
	}

	if c.cssEnabled() {
		if err = c.registerCSS(); err != nil {
			c.rollbackStart()
			return c.fail(BufferNotAllocated, err)
		}
	}

	c.setState(StateProfiling)
	log.Infof("Client %d started profiling with %d configurations, %s of sample buffers",
		c.id, len(c.configs),
		humanize.IBytes(uint64(c.dev.cfg.Buffers*(c.dev.cfg.BufferCapacity+1)*prd.RecordSize)))
	return nil
}

// writeSessionHeader writes everything that precedes the samples.
func (c *Client) writeSessionHeader() error {
	ext := prd.ExtHeader{
		ConfigCount: uint16(len(c.configs)),
		SessionID:   c.sessionID,
	}
	if c.systemWide() {
		ext.Flags |= prd.ExtSystemWide
	}
	if c.cssEnabled() {
		ext.Flags |= prd.ExtCallStacks
	}
	err := c.writer.WriteHeader(prd.Header{
		CoreCount:      uint16(c.dev.cfg.NumCores),
		StartTime:      uint64(time.Now().UnixNano()),
		TimerFrequency: c.dev.cfg.TimerFrequency,
		StartTick:      c.startTick,
	}, &ext)
	if err != nil {
		return err
	}
	if infos := c.dev.cfg.CPUInfo; len(infos) > 0 {
		if err = c.writer.WriteCPUInfo(infos); err != nil {
			return err
		}
	}

	pids := make([]uint32, 0, c.pids.len())
	for _, pid := range c.pids.list() {
		pids = append(pids, uint32(pid))
	}
	if err = c.writer.WritePIDList(pids); err != nil {
		return err
	}
	for i := range c.configs {
		if err = c.writer.WriteConfig(c.configs[i].Config); err != nil {
			return err
		}
	}
	return nil
}

// registerCSS registers the client for the call stacks of every attached
// process. The target process gets the configured code ranges.
func (c *Client) registerCSS() error {
	dispatcher := c.dev.dispatcher
	dispatcher.SetCaptureStackPotentialValues(c.id, c.css.CaptureValues)
	for _, pid := range c.pids.list() {
		ranges := c.css.CodeRanges
		if pid != c.css.TargetPID {
			ranges = nil
		}
		if _, err := dispatcher.AcquireStackWalker(irql.Passive, pid, c.id,
			c.css.MaxDepth, ranges); err != nil {
			return fmt.Errorf("failed to enable call stacks for PID %d: %w", pid, err)
		}
	}
	return nil
}

func (c *Client) rollbackStart() {
	c.dev.dispatcher.UnregisterClient(c.id)
	c.userStacks.Store(false)
	if c.writer != nil {
		if err := c.writer.DeactivateAsync(); err != nil {
			log.Debugf("Client %d rollback: %v", c.id, err)
		}
	}
}

// Pause stops recording samples until Resume.
func (c *Client) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.State()
	if st&StateProfiling == 0 || st&(StatePaused|StateStopping) != 0 {
		return c.fail(InvalidOperation, fmt.Errorf("%w: cannot pause %v", ErrInvalidOperation, st))
	}
	c.setState(StatePaused)
	return nil
}

// Resume continues recording samples after Pause.
func (c *Client) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.State()
	if st&StatePaused == 0 || st&StateStopping != 0 {
		return c.fail(InvalidOperation, fmt.Errorf("%w: cannot resume %v", ErrInvalidOperation, st))
	}
	c.clearState(StatePaused)
	return nil
}

// waitIdle waits until no sample path call of this client is in progress.
func (c *Client) waitIdle(ctx context.Context) error {
	for c.inflight.Load() != 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
	return nil
}

// Stop ends profiling. All samples taken before Stop are written, followed
// by the missed data records, before the output is closed.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.SetLastError(Success)
	st := c.State()
	if st&StateStopping != 0 {
		return c.fail(InvalidOperation, fmt.Errorf("%w: already stopping", ErrInvalidOperation))
	}
	if st&StateProfiling == 0 {
		log.Infof("Client %d cannot stop profiling as it is not profiling", c.id)
		c.clearLocked()
		return nil
	}
	c.setState(StateStopping)

	var err error
	if err = c.waitIdle(ctx); err != nil {
		err = fmt.Errorf("samples still in progress: %w", err)
	}
	// Pending user stacks of this session still go to its output.
	c.dev.dispatcher.Drain(irql.Passive)
	c.userStacks.Store(false)
	if werr := c.waitIdle(ctx); werr != nil && err == nil {
		err = fmt.Errorf("user stacks still in progress: %w", werr)
	}

	// Writing the missed data records drains the counters.
	missedTotal := c.missed.Total()
	if c.writer != nil {
		if derr := c.writer.DeactivateAsync(); derr != nil {
			log.Warnf("Client %d: %v", c.id, derr)
		}
		if werr := c.writeMissed(); werr != nil {
			c.SetLastError(FileWriteError)
			err = werr
		}
	}
	c.final = c.statsLocked()
	c.final.MissedSamples = missedTotal
	if c.writer != nil {
		if cerr := c.writer.Close(); cerr != nil {
			c.SetLastError(FileWriteError)
			err = cerr
		}
	}

	if c.cssEnabled() {
		c.dev.dispatcher.UnregisterClient(c.id)
	}
	log.Infof("Client %d has stopped profiling: %d samples, %d missed, %s written",
		c.id, c.final.Samples, c.final.MissedSamples, humanize.IBytes(c.final.Bytes))
	c.clearLocked()
	return err
}

// writeMissed writes one missed data record per configuration as the last
// records of the stream.
func (c *Client) writeMissed() error {
	endTick := c.dev.cfg.Clock() - c.startTick
	for i := range c.configs {
		cfg := &c.configs[i]
		count := c.missed.Aggregate(i, cfg.CoreMask)
		err := c.writer.WriteMissed(prd.Missed{
			Type:         cfg.Type,
			ResourceID:   cfg.ResourceID,
			ConfigIndex:  cfg.Index,
			Count:        uint32(min(count, 1<<32-1)),
			ControlValue: cfg.ControlValue,
			CoreMask:     cfg.CoreMask,
			EndTick:      endTick,
		})
		if err != nil {
			return fmt.Errorf("failed to write missed data: %w", err)
		}
	}
	return nil
}

func (c *Client) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

// clearLocked returns the session to the not configured state.
func (c *Client) clearLocked() {
	if c.writer != nil && c.State()&StateProfiling == 0 {
		_ = c.writer.Close()
	}
	c.writer = nil
	c.configs = nil
	c.css = CSSConfig{}
	c.pids.reset()
	c.autoAttach = false
	c.missed = nil
	c.counts = nil
	c.state.Store(uint32(StateNotConfigured))
	c.abort.Store(newAbortSignal())
}

// ReadCountingEvent returns the count of a counting configuration on core.
func (c *Client) ReadCountingEvent(config, core int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State()&StateProfiling == 0 {
		return 0, fmt.Errorf("%w: not profiling", ErrInvalidOperation)
	}
	if config < 0 || config >= len(c.configs) || !c.configs[config].counting ||
		core < 0 || core >= c.dev.cfg.NumCores {
		return 0, ErrInvalidArgument
	}
	return c.counts[core*len(c.configs)+config].Load(), nil
}

// Stats returns the totals of the running session, or of the last one.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State()&StateProfiling == 0 {
		return c.final
	}
	return c.statsLocked()
}

func (c *Client) statsLocked() Stats {
	s := Stats{
		Samples:          c.samples.Load(),
		Records:          c.records.Load(),
		UserStacks:       c.userStackCount.Load(),
		UserStacksMissed: c.userStacksMissed.Load(),
	}
	if c.missed != nil {
		s.MissedSamples = c.missed.Total()
	}
	if c.writer != nil {
		ws := c.writer.Stats()
		s.Buffers = ws.Reaper.Buffers
		s.Bytes = ws.Bytes
		s.WriteErrors = ws.Reaper.WriteErrors
		s.FreeBuffers = c.writer.PoolFree()
		s.QueuedBuffers = c.writer.Pending()
	}
	return s
}
