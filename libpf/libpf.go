// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds the basic types shared by all packages of the sampling
// driver core.
package libpf // import "go.opentelemetry.io/cpuprof/libpf"

// Void allows to use maps as sets without memory allocation for the values.
type Void struct{}

// Set is a convenience alias for a map with a `Void` value.
type Set[T comparable] map[T]Void
