// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package util holds small helpers without a better home.
package util // import "go.opentelemetry.io/cpuprof/util"

import (
	"math/bits"
	"unicode"
	"unicode/utf8"
)

// IsValidString checks if string is UTF-8-encoded and only contains expected characters.
func IsValidString(s string) bool {
	if s == "" {
		return false
	}
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// NextPowerOfTwo returns input value if it's a power of two,
// otherwise it returns the next power of two.
func NextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}
