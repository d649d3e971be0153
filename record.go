// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	//nolint:gosec
	_ "net/http/pprof"

	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/cpuprof/internal/controller"
	"go.opentelemetry.io/cpuprof/metrics"
	"go.opentelemetry.io/cpuprof/metrics/agentmetrics"
	"go.opentelemetry.io/cpuprof/vc"
)

const agentMetricsInterval = time.Second

func newRecordCmd() *ffcli.Command {
	var args controller.Config
	return &ffcli.Command{
		Name:       "record",
		ShortUsage: "cpuprof record [flags]",
		ShortHelp:  "Sample all CPUs into a profile record stream",
		FlagSet:    recordFlagSet(&args),
		Options:    ffOptions(),
		Exec: func(ctx context.Context, _ []string) error {
			return runRecord(ctx, &args)
		},
	}
}

func runRecord(ctx context.Context, args *controller.Config) error {
	if args.Version {
		log.Info(vc.String())
		return nil
	}

	if args.VerboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.Dump()
	}

	if err := args.Validate(); err != nil {
		return parseError("Invalid configuration: %v", err)
	}

	if args.PprofAddr != "" {
		go func() {
			//nolint:gosec
			if err := http.ListenAndServe(args.PprofAddr, nil); err != nil {
				log.Errorf("Serving pprof on %s failed: %s", args.PprofAddr, err)
			}
		}()
	}

	if args.MetricsAddr != "" {
		stop, err := serveMetrics(args.MetricsAddr)
		if err != nil {
			return failure("Failed to serve metrics: %v", err)
		}
		defer stop()
	}

	log.Infof("Starting %s", vc.String())

	stopAgentMetrics, err := agentmetrics.Start(ctx, agentMetricsInterval)
	if err != nil {
		return failure("Error starting the agent specific metric collection: %v", err)
	}
	defer stopAgentMetrics()

	ctlr := controller.New(args)
	if err = ctlr.Start(ctx); err != nil {
		return failure("Failed to start recording: %v", err)
	}

	waitErr := ctlr.Wait(ctx)
	stats, err := ctlr.Shutdown(ctx)
	if err = errors.Join(waitErr, err); err != nil {
		return failure("Recording failed: %v", err)
	}

	log.Infof("Recorded %d samples (%d missed, %d user stacks, %d missed) in %d buffers, %s",
		stats.Samples, stats.MissedSamples, stats.UserStacks, stats.UserStacksMissed,
		stats.Buffers, humanize.IBytes(stats.Bytes))
	log.Info("Exiting ...")
	return nil
}

// serveMetrics exposes all metrics and the Go runtime collectors on addr.
func serveMetrics(addr string) (func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reporter, err := metrics.NewPrometheusReporter(reg)
	if err != nil {
		return nil, err
	}
	metrics.AddReporter(reporter)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Serving metrics on %s failed: %v", addr, err)
		}
	}()
	return func() {
		metrics.RemoveReporter(reporter)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
