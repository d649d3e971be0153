// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/cpuprof/internal/controller"

import (
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/cpuprof/driver"
	"go.opentelemetry.io/cpuprof/irql"
	"go.opentelemetry.io/cpuprof/libpf"
	"go.opentelemetry.io/cpuprof/proc"
)

// processScanInterval is how often attached processes are checked for new
// children and for having exited.
const processScanInterval = 250 * time.Millisecond

// processWatcher emulates the process notifications of the device by
// polling procfs.
type processWatcher struct {
	dev    *driver.Device
	client *driver.Client
	root   string
	isLive func(libpf.PID) (bool, error)
}

func newProcessWatcher(dev *driver.Device, client *driver.Client, root string) *processWatcher {
	return &processWatcher{
		dev:    dev,
		client: client,
		root:   root,
		isLive: proc.IsPIDLive,
	}
}

func (w *processWatcher) scan() {
	for _, pid := range w.client.AttachedProcesses() {
		if live, err := w.isLive(pid); err == nil && !live {
			log.Debugf("Attached process %d exited", pid)
			w.dev.ProcessDestroyed(irql.Passive, pid)
			continue
		}
		children, err := proc.Children(w.root, pid)
		if err != nil {
			log.Debugf("Failed to list children of %d: %v", pid, err)
			continue
		}
		for _, child := range children {
			w.dev.ProcessCreated(irql.Passive, pid, child, 0)
		}
	}
}
