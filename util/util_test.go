// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct {
		name  string
		input uint32
		want  uint32
	}{
		{name: "zero", input: 0, want: 1},
		{name: "one", input: 1, want: 1},
		{name: "two", input: 2, want: 2},
		{name: "three", input: 3, want: 4},
		{name: "four", input: 4, want: 4},
		{name: "five", input: 5, want: 8},
		{name: "six", input: 6, want: 8},
		{name: "0x370", input: 0x370, want: 0x400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equalf(t, tt.want, NextPowerOfTwo(tt.input),
				"NextPowerOfTwo(%v) = %v", tt.input, tt.want)
		})
	}
}

func TestIsValidString(t *testing.T) {
	tests := map[string]struct {
		input    []byte
		expected bool
	}{
		"empty":             {input: []byte{}, expected: false},
		"control sequences": {input: []byte{0x0, 0x1, 0x2, 0x3}, expected: false},
		"leading NULL":      {input: []byte{0x00, 'I', 'n', 't', 'e', 'l'}, expected: false},
		"vendor":            {input: []byte("GenuineIntel"), expected: true},
		"0xFF":              {input: []byte{0xFF}, expected: false},
		"invalid UTF-8":     {input: []byte{0xE0, 0x76, 0x90}, expected: false},
	}

	for name, testcase := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, testcase.expected, IsValidString(string(testcase.input)))
		})
	}
}
