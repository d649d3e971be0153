// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/cpuprof/internal/controller"

import (
	"context"

	"go.opentelemetry.io/cpuprof/archive"
	"go.opentelemetry.io/cpuprof/perfsource"
)

// SampleSource delivers hardware samples to the device until its context is
// canceled.
type SampleSource interface {
	Run(ctx context.Context) error
	Close() error
	Counters() perfsource.Counters
}

// SourceFactory opens the sample source of a session.
type SourceFactory func(dev perfsource.Deliverer, cfg perfsource.Config) (SampleSource, error)

func openPerfSource(dev perfsource.Deliverer, cfg perfsource.Config) (SampleSource, error) {
	s, err := perfsource.Open(dev, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type Option interface {
	applyOption(*Controller) *Controller
}
type controllerOptionFunc func(*Controller) *Controller

func (f controllerOptionFunc) applyOption(c *Controller) *Controller {
	return f(c)
}

// WithSourceFactory replaces the perf_event sample source.
func WithSourceFactory(f SourceFactory) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.newSource = f
		return c
	})
}

// WithS3Client sets the client finished recordings are uploaded with.
// This defaults to a client built from the AWS default configuration.
func WithS3Client(client archive.S3API) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.s3 = client
		return c
	})
}
