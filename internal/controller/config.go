// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/cpuprof/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/cpuprof/driver"
	"go.opentelemetry.io/cpuprof/prd"
	"go.opentelemetry.io/cpuprof/prdwriter"
	"go.opentelemetry.io/cpuprof/stackwalk"
)

const (
	// MaxFrequency bounds the sampling frequency per CPU.
	MaxFrequency = 100_000
	// MinBufferSize is the smallest sample buffer in bytes.
	MinBufferSize = 64 * prd.RecordSize
)

// Call stack modes accepted by -call-stacks.
const (
	CallStacksNone   = "none"
	CallStacksKernel = "kernel"
	CallStacksUser   = "user"
	CallStacksAll    = "all"
)

// Config holds the parsed command line of `cpuprof record`.
type Config struct {
	Output      string
	Compression string
	Duration    time.Duration

	Frequency  uint
	PID        int
	AutoAttach bool

	CallStacks    string
	Depth         uint
	CSSInterval   uint
	CaptureValues bool

	Buffers    int
	BufferSize int

	ReaperInterval  time.Duration
	MetricsInterval time.Duration
	MetricsAddr     string
	PprofAddr       string
	ProcRoot        string

	S3Bucket    string
	S3Prefix    string
	S3Endpoint  string
	S3Region    string
	S3PathStyle bool
	S3Overwrite bool

	VerboseMode bool
	Version     bool

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Output == "" {
		errs = append(errs, errors.New("no output file"))
	}
	if _, err := prdwriter.ParseCompression(cfg.Compression); err != nil {
		errs = append(errs, err)
	}
	if cfg.Frequency == 0 || cfg.Frequency > MaxFrequency {
		errs = append(errs, fmt.Errorf("sampling frequency %d outside of [1, %d]",
			cfg.Frequency, MaxFrequency))
	}
	if cfg.PID < 0 {
		errs = append(errs, fmt.Errorf("invalid pid %d", cfg.PID))
	}
	if cfg.AutoAttach && cfg.PID == 0 {
		errs = append(errs, errors.New("auto-attach requires a pid"))
	}
	mode, err := cfg.cssMode()
	if err != nil {
		errs = append(errs, err)
	}
	if mode != 0 {
		if cfg.Depth == 0 || cfg.Depth > stackwalk.MaxDepth {
			errs = append(errs, fmt.Errorf("call stack depth %d outside of [1, %d]",
				cfg.Depth, stackwalk.MaxDepth))
		}
		if cfg.CSSInterval == 0 {
			errs = append(errs, errors.New("call stack interval must not be zero"))
		}
	}
	if cfg.CaptureValues && mode&driver.CSSUserMode == 0 {
		errs = append(errs, errors.New("capture-values requires user call stacks"))
	}
	if cfg.Buffers < 0 {
		errs = append(errs, fmt.Errorf("invalid buffer count %d", cfg.Buffers))
	}
	if cfg.BufferSize < MinBufferSize || cfg.BufferSize%prd.RecordSize != 0 {
		errs = append(errs, fmt.Errorf("buffer size %d is not a multiple of %d of at least %d",
			cfg.BufferSize, prd.RecordSize, MinBufferSize))
	}
	if cfg.Duration < 0 {
		errs = append(errs, fmt.Errorf("negative duration %v", cfg.Duration))
	}
	if cfg.S3Bucket == "" && (cfg.S3Prefix != "" || cfg.S3Endpoint != "") {
		errs = append(errs, errors.New("s3 options require -s3-bucket"))
	}
	return errors.Join(errs...)
}

// cssMode translates -call-stacks.
func (cfg *Config) cssMode() (driver.CSSMode, error) {
	switch strings.ToLower(cfg.CallStacks) {
	case "", CallStacksNone:
		return 0, nil
	case CallStacksKernel:
		return driver.CSSKernelMode, nil
	case CallStacksUser:
		return driver.CSSUserMode, nil
	case CallStacksAll:
		return driver.CSSKernelMode | driver.CSSUserMode, nil
	}
	return 0, fmt.Errorf("unknown call stack mode %q", cfg.CallStacks)
}
