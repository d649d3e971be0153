// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package perfsource // import "go.opentelemetry.io/cpuprof/perfsource"

import "context"

// Source is not available on this platform.
type Source struct {
	counters
}

// Open returns ErrUnsupported.
func Open(Deliverer, Config) (*Source, error) {
	return nil, ErrUnsupported
}

// Run returns ErrUnsupported.
func (*Source) Run(context.Context) error {
	return ErrUnsupported
}

// Close is a no-op.
func (*Source) Close() error {
	return nil
}
