// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/cpuprof/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/tklauser/numcpus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/cpuprof/archive"
	"go.opentelemetry.io/cpuprof/cpuinfo"
	"go.opentelemetry.io/cpuprof/driver"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/perfsource"
	"go.opentelemetry.io/cpuprof/periodiccaller"
	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/prdwriter"
	"go.opentelemetry.io/cpuprof/proc"
	"go.opentelemetry.io/cpuprof/stackwalk"
	"go.opentelemetry.io/cpuprof/times"
	"go.opentelemetry.io/cpuprof/unwindinfo"
)

const (
	clientOwner = "cpuprof record"

	imageCacheSize     = 256
	imageCacheLifetime = 10 * time.Minute
)

// Controller is an instance that runs, manages and stops one recording.
type Controller struct {
	config    *Config
	newSource SourceFactory
	s3        archive.S3API

	times   *times.Times
	device  *driver.Device
	client  *driver.Client
	source  SampleSource
	metrics *driverMetrics

	cancel      context.CancelFunc
	runDone     chan libpf.Void
	runErr      error
	metricsDone <-chan libpf.Void
}

// New creates a new controller
func New(cfg *Config, opts ...Option) *Controller {
	c := &Controller{
		config:    cfg,
		newSource: openPerfSource,
	}
	for _, opt := range opts {
		c = opt.applyOption(c)
	}
	return c
}

// Start sets up the device and the session and starts sampling.
// The controller should only be started once.
func (c *Controller) Start(ctx context.Context) error {
	if c.config == nil {
		return errors.New("no configuration")
	}
	if err := c.config.Validate(); err != nil {
		return err
	}
	c.times = times.New(c.config.ReaperInterval, c.config.MetricsInterval)

	cores, err := cpuinfo.OnlineCores()
	if err != nil {
		return fmt.Errorf("failed to read online CPUs: %w", err)
	}
	if present, err := numcpus.GetPresent(); err == nil && present != len(cores) {
		log.Infof("Sampling %d of %d present CPUs", len(cores), present)
	}
	infos, err := cpuinfo.Collect(cores)
	if err != nil {
		log.Warnf("Failed to collect CPU information: %v", err)
	}
	kernel, err := proc.KernelRanges(c.config.ProcRoot)
	if err != nil {
		log.Warnf("Kernel code ranges unavailable: %v", err)
		kernel = nil
	}
	images, err := unwindinfo.NewImageCache(imageCacheSize, imageCacheLifetime, nil)
	if err != nil {
		return fmt.Errorf("failed to create image cache: %w", err)
	}

	c.device, err = driver.New(driver.Config{
		NumCores:       len(cores),
		KernelModules:  kernel,
		LoadImage:      images.Load,
		Space:          stackwalk.AddressSpace64,
		CallSites:      stackwalk.DecodingValidator{Mode: 64},
		Buffers:        c.config.Buffers,
		BufferCapacity: c.config.BufferSize / prd.RecordSize,
		CPUInfo:        infos,
		Times:          c.times,
	})
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	// The device outlives ctx, so the session can be flushed in Shutdown.
	if err = c.device.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	mode, _ := c.config.cssMode()
	if err = c.startSession(ctx, mode); err != nil {
		_ = c.device.Close(context.WithoutCancel(ctx))
		return err
	}

	pid := libpf.PID(c.config.PID)
	if c.config.AutoAttach {
		// Children are only sampled if perf reports all processes.
		pid = 0
	}
	c.source, err = c.newSource(c.device, perfsource.Config{
		ClientID:      c.client.ID(),
		Frequency:     uint64(c.config.Frequency),
		CPUs:          cores,
		PID:           pid,
		Callchain:     mode&driver.CSSKernelMode != 0,
		UserRegisters: mode&driver.CSSUserMode != 0,
	})
	if err != nil {
		_ = c.device.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("failed to open sample source: %w", err)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.source.Run(gctx)
	})
	if c.config.AutoAttach {
		w := newProcessWatcher(c.device, c.client, c.config.ProcRoot)
		g.Go(func() error {
			<-periodiccaller.Start(gctx, processScanInterval, w.scan)
			return nil
		})
	}
	c.runDone = make(chan libpf.Void)
	go func() {
		c.runErr = g.Wait()
		close(c.runDone)
	}()

	c.metrics = newDriverMetrics(c.device, c.source)
	c.metricsDone = periodiccaller.Start(ctx, c.times.MetricsInterval(), c.metrics.report)

	log.Infof("Recording %d CPUs at %d Hz to %s", len(cores), c.config.Frequency,
		c.config.Output)
	return nil
}

// startSession configures the driver client and starts its session.
func (c *Controller) startSession(ctx context.Context, mode driver.CSSMode) error {
	client, err := c.device.RegisterClient(clientOwner)
	if err != nil {
		return err
	}
	c.client = client

	compression, err := prdwriter.ParseCompression(c.config.Compression)
	if err != nil {
		return err
	}
	if err = client.SetOutputFile(c.config.Output, prdwriter.Options{
		Compression: compression,
	}); err != nil {
		return err
	}
	if err = client.SetTimerConfiguration(driver.TimerConfig{
		Interval: time.Second / time.Duration(c.config.Frequency),
	}); err != nil {
		return err
	}

	pid := libpf.PID(c.config.PID)
	if mode != 0 {
		css := driver.CSSConfig{
			MaxDepth:      uint32(c.config.Depth),
			Interval:      uint32(c.config.CSSInterval),
			Mode:          mode,
			CaptureValues: c.config.CaptureValues,
			TargetPID:     pid,
		}
		if pid != 0 {
			ranges, err := proc.CodeRanges(c.config.ProcRoot, pid)
			if err != nil {
				return fmt.Errorf("failed to read code ranges of %d: %w", pid, err)
			}
			if len(ranges) >= driver.MaxCodeRanges {
				log.Warnf("Process %d maps %d code ranges, using the first %d",
					pid, len(ranges), driver.MaxCodeRanges-1)
				ranges = ranges[:driver.MaxCodeRanges-1]
			}
			css.CodeRanges = ranges
		}
		if err = client.SetCSSConfiguration(css); err != nil {
			return err
		}
	}
	if pid != 0 {
		if err = client.SetPIDFilter([]libpf.PID{pid}, c.config.AutoAttach); err != nil {
			return err
		}
	}
	return client.Start(ctx)
}

// Wait blocks until ctx is done, the configured duration elapsed, the
// session aborted or the sample source stopped.
func (c *Controller) Wait(ctx context.Context) error {
	var timeout <-chan time.Time
	if c.config.Duration > 0 {
		t := time.NewTimer(c.config.Duration)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return nil
	case <-timeout:
		log.Infof("Recorded for %v", c.config.Duration)
		return nil
	case <-c.client.Abort():
		return fmt.Errorf("session aborted: %v", c.client.LastError())
	case <-c.runDone:
		if c.runErr != nil {
			return fmt.Errorf("sample source failed: %w", c.runErr)
		}
		return nil
	}
}

// Shutdown stops sampling, finishes the output and uploads it if configured.
// It returns the totals of the session.
func (c *Controller) Shutdown(ctx context.Context) (driver.Stats, error) {
	if c.device == nil {
		return driver.Stats{}, errors.New("controller not started")
	}
	log.Info("Stop processing ...")
	ctx = context.WithoutCancel(ctx)

	var errs []error
	if c.cancel != nil {
		c.cancel()
		<-c.runDone
		<-c.metricsDone
	}

	stopCtx, cancel := context.WithTimeout(ctx, c.times.StopTimeout())
	defer cancel()

	var stats driver.Stats
	if c.client != nil {
		errs = append(errs, c.client.Stop(stopCtx))
		stats = c.client.Stats()
	}
	if c.metrics != nil {
		c.metrics.report()
	}
	if c.device != nil {
		errs = append(errs, c.device.Close(stopCtx))
	}
	if c.source != nil {
		errs = append(errs, c.source.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return stats, err
	}

	if c.config.S3Bucket != "" {
		if err := c.upload(ctx); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (c *Controller) upload(ctx context.Context) error {
	client := c.s3
	if client == nil {
		s3, err := archive.NewClient(ctx, archive.ClientConfig{
			Endpoint:  c.config.S3Endpoint,
			Region:    c.config.S3Region,
			PathStyle: c.config.S3PathStyle,
		})
		if err != nil {
			return err
		}
		client = s3
	}

	u := archive.New(client, c.config.S3Bucket, c.config.S3Prefix)
	u.Overwrite = c.config.S3Overwrite
	obj, err := u.Upload(ctx, c.config.Output)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", c.config.Output, err)
	}
	log.Infof("Uploaded %s to s3://%s/%s (sha256 %s)", humanize.IBytes(uint64(obj.Size)),
		obj.Bucket, obj.Key, obj.SHA256)
	return nil
}
