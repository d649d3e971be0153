// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/cpuprof/internal/controller"
	"go.opentelemetry.io/cpuprof/perfsource"
	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/proc"
	"go.opentelemetry.io/cpuprof/samplebuf"
	"go.opentelemetry.io/cpuprof/stackwalk"
	"go.opentelemetry.io/cpuprof/times"
)

const (
	// Default values for CLI flags
	defaultArgOutput          = "cpuprof.prd"
	defaultArgCompression     = "zstd"
	defaultArgFrequency       = perfsource.DefaultFrequency
	defaultArgCallStacks      = controller.CallStacksNone
	defaultArgDepth           = 128
	defaultArgCSSInterval     = 1
	defaultArgBufferSize      = samplebuf.DefaultCapacity * prd.RecordSize
	defaultArgReaperInterval  = times.ReaperInterval
	defaultArgMetricsInterval = times.MetricsInterval

	envVarPrefix = "CPUPROF"
)

// Help strings for command line arguments
var (
	outputHelp      = "Path of the profile record stream to write."
	compressionHelp = "Compression of the output: none, zstd or gzip."
	durationHelp    = "Stop recording after this duration. Zero records until interrupted."
	frequencyHelp   = fmt.Sprintf("Sampling frequency per CPU in Hz, at most %d.",
		controller.MaxFrequency)
	pidHelp        = "Only sample this process. Zero samples all processes."
	autoAttachHelp = "Also sample processes created by sampled processes."
	callStacksHelp = "Call stacks to capture: none, kernel, user or all."
	depthHelp      = fmt.Sprintf("Maximum call stack depth, at most %d.",
		stackwalk.MaxDepth)
	cssIntervalHelp   = "Capture the call stack of every n-th sample per CPU."
	captureValuesHelp = "Also record potential return addresses found on user stacks."
	buffersHelp       = "Number of sample buffers. Zero sizes the pool by CPU count."
	bufferSizeHelp    = fmt.Sprintf("Size of one sample buffer in bytes, a multiple of %d.",
		prd.RecordSize)
	reaperIntervalHelp  = "Interval at which filled sample buffers are written without signal."
	metricsIntervalHelp = "Interval at which driver metrics are reported."
	metricsAddrHelp     = "Listening address (e.g. localhost:9090) to serve Prometheus metrics."
	pprofHelp           = "Listening address (e.g. localhost:6060) to serve pprof information."
	procRootHelp        = "Mount point of procfs."
	s3BucketHelp        = "Upload the finished output to this S3 bucket."
	s3PrefixHelp        = "Key prefix of the uploaded output."
	s3EndpointHelp      = "Endpoint of an S3 compatible service."
	s3RegionHelp        = "Region of the S3 bucket."
	s3PathStyleHelp     = "Address the bucket by path instead of host name."
	s3OverwriteHelp     = "Replace an existing object of the same name."
	verboseModeHelp     = "Enable verbose logging and debugging capabilities."
	versionHelp         = "Show version."
	configHelp          = "Path of a configuration file with one flag per line."
)

// recordFlagSet binds the flags of `cpuprof record` to args.
func recordFlagSet(args *controller.Config) *flag.FlagSet {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.BoolVar(&args.AutoAttach, "auto-attach", false, autoAttachHelp)

	fs.IntVar(&args.BufferSize, "buffer-size", defaultArgBufferSize, bufferSizeHelp)
	fs.IntVar(&args.Buffers, "buffers", 0, buffersHelp)

	fs.StringVar(&args.CallStacks, "call-stacks", defaultArgCallStacks, callStacksHelp)
	fs.BoolVar(&args.CaptureValues, "capture-values", false, captureValuesHelp)
	fs.StringVar(&args.Compression, "compression", defaultArgCompression, compressionHelp)
	fs.String("config", "", configHelp)
	fs.UintVar(&args.CSSInterval, "css-interval", defaultArgCSSInterval, cssIntervalHelp)

	fs.UintVar(&args.Depth, "depth", defaultArgDepth, depthHelp)
	fs.DurationVar(&args.Duration, "duration", 0, durationHelp)

	fs.UintVar(&args.Frequency, "frequency", defaultArgFrequency, frequencyHelp)

	fs.StringVar(&args.MetricsAddr, "metrics-addr", "", metricsAddrHelp)
	fs.DurationVar(&args.MetricsInterval, "metrics-interval", defaultArgMetricsInterval,
		metricsIntervalHelp)

	fs.StringVar(&args.Output, "o", defaultArgOutput, "Shorthand for -output.")
	fs.StringVar(&args.Output, "output", defaultArgOutput, outputHelp)

	fs.IntVar(&args.PID, "pid", 0, pidHelp)
	fs.StringVar(&args.PprofAddr, "pprof", "", pprofHelp)
	fs.StringVar(&args.ProcRoot, "proc-root", proc.DefaultMountPoint, procRootHelp)

	fs.DurationVar(&args.ReaperInterval, "reaper-interval", defaultArgReaperInterval,
		reaperIntervalHelp)

	fs.StringVar(&args.S3Bucket, "s3-bucket", "", s3BucketHelp)
	fs.StringVar(&args.S3Endpoint, "s3-endpoint", "", s3EndpointHelp)
	fs.BoolVar(&args.S3Overwrite, "s3-overwrite", false, s3OverwriteHelp)
	fs.BoolVar(&args.S3PathStyle, "s3-path-style", false, s3PathStyleHelp)
	fs.StringVar(&args.S3Prefix, "s3-prefix", "", s3PrefixHelp)
	fs.StringVar(&args.S3Region, "s3-region", "", s3RegionHelp)

	fs.BoolVar(&args.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)

	args.Fs = fs
	return fs
}

// ffOptions are shared by all subcommands.
func ffOptions() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix(envVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the current
		// version does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	}
}

// parseRecordArgs parses the flags of `cpuprof record` outside of ffcli.
func parseRecordArgs(arguments []string) (*controller.Config, error) {
	var args controller.Config
	fs := recordFlagSet(&args)
	return &args, ff.Parse(fs, arguments, ffOptions()...)
}
