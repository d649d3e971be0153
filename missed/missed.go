// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package missed counts samples that could not be recorded because no buffer
// was available.
//
// Counters are laid out per core and configuration so that cores never
// contend on the same counter. They saturate at math.MaxUint32.
package missed // import "go.opentelemetry.io/cpuprof/missed"

import (
	"fmt"
	"math"
	"sync/atomic"

	"go.opentelemetry.io/cpuprof/prd"
)

// Key identifies the configuration a sample was taken for.
type Key struct {
	Type         prd.ConfigType
	ResourceID   uint8
	ControlValue uint64
}

// Counters holds the missed sample counters of one session.
type Counters struct {
	numCores int
	keys     []Key
	counts   []atomic.Uint32
}

// New returns Counters for numCores cores and numConfigs configurations.
func New(numCores, numConfigs int) (*Counters, error) {
	if numCores <= 0 || numConfigs <= 0 {
		return nil, fmt.Errorf("invalid missed counter layout %dx%d", numCores, numConfigs)
	}
	return &Counters{
		numCores: numCores,
		keys:     make([]Key, numConfigs),
		counts:   make([]atomic.Uint32, numCores*numConfigs),
	}, nil
}

// NumConfigs returns the number of configurations.
func (c *Counters) NumConfigs() int {
	return len(c.keys)
}

// SetKey assigns the key of a configuration. It must not be called while
// samples are delivered.
func (c *Counters) SetKey(config int, k Key) {
	if config >= 0 && config < len(c.keys) {
		c.keys[config] = k
	}
}

// Key returns the key of a configuration.
func (c *Counters) Key(config int) Key {
	if config < 0 || config >= len(c.keys) {
		return Key{}
	}
	return c.keys[config]
}

func (c *Counters) counter(core, config int) *atomic.Uint32 {
	if core < 0 || core >= c.numCores || config < 0 || config >= len(c.keys) {
		return nil
	}
	return &c.counts[core*len(c.keys)+config]
}

// IncrementMissed counts one missed sample. It never blocks and never fails.
func (c *Counters) IncrementMissed(core, config int) {
	ctr := c.counter(core, config)
	if ctr == nil {
		return
	}
	for {
		old := ctr.Load()
		if old == math.MaxUint32 || ctr.CompareAndSwap(old, old+1) {
			return
		}
	}
}

// IncrementMatching counts one missed sample for the configuration with key
// k. It returns false if no configuration matches.
func (c *Counters) IncrementMatching(core int, k Key) bool {
	for i := range c.keys {
		if c.keys[i] == k {
			c.IncrementMissed(core, i)
			return true
		}
	}
	return false
}

// Load returns a counter without resetting it.
func (c *Counters) Load(core, config int) uint32 {
	if ctr := c.counter(core, config); ctr != nil {
		return ctr.Load()
	}
	return 0
}

// DrainAndReset returns a counter and resets it to zero.
func (c *Counters) DrainAndReset(core, config int) uint32 {
	if ctr := c.counter(core, config); ctr != nil {
		return ctr.Swap(0)
	}
	return 0
}

// Aggregate drains the counters of a configuration on the cores in coreMask.
// A zero mask selects all cores.
func (c *Counters) Aggregate(config int, coreMask uint64) uint64 {
	var total uint64
	for core := range c.numCores {
		if coreMask != 0 && (core >= 64 || coreMask&(1<<core) == 0) {
			continue
		}
		total += uint64(c.DrainAndReset(core, config))
	}
	return total
}

// Total returns the sum of all counters.
func (c *Counters) Total() uint64 {
	var total uint64
	for i := range c.counts {
		total += uint64(c.counts[i].Load())
	}
	return total
}
