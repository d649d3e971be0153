// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides thin wrappers around locking primitives that keep the
// protected data next to the lock guarding it.
package xsync // import "go.opentelemetry.io/cpuprof/libpf/xsync"
