// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddressInRange(t *testing.T) {
	tests := map[string]struct {
		addr       Address
		start, end Address
		want       bool
	}{
		"start":       {addr: 0x1000, start: 0x1000, end: 0x2000, want: true},
		"inside":      {addr: 0x1fff, start: 0x1000, end: 0x2000, want: true},
		"end":         {addr: 0x2000, start: 0x1000, end: 0x2000, want: false},
		"below":       {addr: 0xfff, start: 0x1000, end: 0x2000, want: false},
		"empty range": {addr: 0x1000, start: 0x1000, end: 0x1000, want: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.addr.InRange(tc.start, tc.end))
		})
	}
}

func TestSet(t *testing.T) {
	s := Set[PID]{}
	s[1] = Void{}
	s[1] = Void{}
	_, ok := s[1]
	assert.True(t, ok)
	assert.Len(t, s, 1)
}
