// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfsource // import "go.opentelemetry.io/cpuprof/perfsource"

import (
	"context"
	"errors"
	"fmt"

	"github.com/elastic/go-perf"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/rlimit"
)

// Source samples every configured CPU with a cpu-clock perf event.
type Source struct {
	counters
	cfg    Config
	dev    Deliverer
	events []*perf.Event
}

// Open opens and maps one disabled perf event per CPU.
func Open(dev Deliverer, cfg Config) (*Source, error) {
	if len(cfg.CPUs) == 0 {
		return nil, errors.New("no CPUs to sample")
	}
	if cfg.Frequency == 0 {
		cfg.Frequency = DefaultFrequency
	}

	attr := new(perf.Attr)
	attr.SetSampleFreq(cfg.Frequency)
	if err := perf.CPUClock.Configure(attr); err != nil {
		return nil, fmt.Errorf("failed to configure software perf event: %v", err)
	}
	attr.SampleFormat = perf.SampleFormat{
		IP:        true,
		Tid:       true,
		Time:      true,
		CPU:       true,
		Period:    true,
		Callchain: cfg.Callchain,
	}
	if cfg.UserRegisters && userRegisterMask != 0 {
		attr.SampleFormat.UserRegisters = true
		attr.SampleRegistersUser = userRegisterMask
	}
	attr.Options.Disabled = true
	attr.Options.UseClockID = true
	attr.ClockID = unix.CLOCK_MONOTONIC
	attr.SetWakeupWatermark(1)

	pid := perf.AllThreads
	if cfg.PID != 0 {
		pid = int(cfg.PID)
	}

	// Perf rings count against RLIMIT_MEMLOCK for unprivileged users.
	restoreRlimit, err := rlimit.MaximizeMemlock()
	if err != nil {
		log.Warnf("Failed to raise memlock limit: %v", err)
	} else {
		defer restoreRlimit()
	}

	s := &Source{cfg: cfg, dev: dev, events: make([]*perf.Event, 0, len(cfg.CPUs))}
	for _, cpu := range cfg.CPUs {
		event, err := perf.Open(attr, pid, cpu, nil)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to attach to perf event on CPU %d: %v", cpu, err)
		}
		s.events = append(s.events, event)
		if err = event.MapRing(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to map perf ring on CPU %d: %v", cpu, err)
		}
	}
	log.Debugf("Opened %d cpu-clock perf events at %d Hz", len(s.events), cfg.Frequency)
	return s, nil
}

// Run enables the events and delivers samples until ctx is canceled.
func (s *Source) Run(ctx context.Context) error {
	for core, event := range s.events {
		if err := event.Enable(); err != nil {
			return fmt.Errorf("failed to enable perf event on CPU %d: %v", s.cfg.CPUs[core], err)
		}
	}
	defer func() {
		for _, event := range s.events {
			if err := event.Disable(); err != nil {
				log.Errorf("Failed to disable perf event: %v", err)
			}
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for core, event := range s.events {
		r := newReader(s.cfg.ClientID, core)
		g.Go(func() error {
			s.read(ctx, r, event)
			return nil
		})
	}
	return g.Wait()
}

func (s *Source) read(ctx context.Context, r *reader, event *perf.Event) {
	var rec sample
	for {
		record, err := event.ReadRecord(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.errors.Add(1)
			log.Errorf("Failed to read perf event: %v", err)
			continue
		}

		switch sr := record.(type) {
		case *perf.LostRecord:
			s.lost.Add(sr.Lost)
		case *perf.SampleRecord:
			rec = sample{
				IP:        sr.IP,
				PID:       sr.Pid,
				TID:       sr.Tid,
				Time:      sr.Time,
				Kernel:    sr.Misc&unix.PERF_RECORD_MISC_CPUMODE_MASK == unix.PERF_RECORD_MISC_KERNEL,
				Callchain: sr.Callchain,
			}
			rec.UserIP, rec.SP, rec.FP = userRegisters(sr.UserRegisters)
			s.samples.Add(1)
			s.dev.DeliverSample(irql.Device, r.convert(&rec))
		}
	}
}

// Close releases all perf events.
func (s *Source) Close() error {
	var errs []error
	for _, event := range s.events {
		errs = append(errs, event.Close())
	}
	s.events = nil
	return errors.Join(errs...)
}
