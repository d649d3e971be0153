// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package vc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, Version())

	version = "v1.2.3"
	revision = "abc"
	t.Cleanup(func() { version, revision = "", "" })
	assert.Equal(t, "v1.2.3", Version())
	assert.Equal(t, "abc", Revision())
	assert.Contains(t, String(), "cpuprof v1.2.3")
}
