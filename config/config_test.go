// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresOutput(t *testing.T) {
	cfg := Default()
	cfg.Offline = true
	assert.Error(t, cfg.Validate(), "offline without outdir")

	cfg.OutDir = "/tmp/traces"
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	assert.Error(t, cfg.Validate(), "online without ipc name")
	cfg.IPCName = "memtrace"
	assert.NoError(t, cfg.Validate())
}

func TestValidateFilterGeometry(t *testing.T) {
	cfg := Default()
	cfg.IPCName = "memtrace"
	cfg.L0Filter = true
	require.NoError(t, cfg.Validate())

	cfg.LineSize = 48
	assert.Error(t, cfg.Validate(), "non-power-of-two line size")

	cfg.LineSize = 64
	cfg.L0DSize = 96 * 1024
	assert.Error(t, cfg.Validate(), "non-power-of-two line count")

	cfg.L0DSize = 64 * 1024
	assert.NoError(t, cfg.Validate())
}

func TestParseArgs(t *testing.T) {
	cfg, err := ParseArgs("memtrace", []string{
		"-offline", "-outdir", "/tmp/traces",
		"-l0-filter", "-line-size", "32",
		"-max-trace-size", "1048576",
	})
	require.NoError(t, err)
	assert.True(t, cfg.Offline)
	assert.Equal(t, "/tmp/traces", cfg.OutDir)
	assert.True(t, cfg.L0Filter)
	assert.Equal(t, uint64(32), cfg.LineSize)
	assert.Equal(t, uint64(1048576), cfg.MaxTraceSize)
}

func TestParseArgsRejectsBadGeometry(t *testing.T) {
	_, err := ParseArgs("memtrace", []string{
		"-offline", "-outdir", "/tmp/traces",
		"-l0-filter", "-line-size", "48",
	})
	assert.Error(t, err)
}

func TestLog2(t *testing.T) {
	assert.Equal(t, 6, Log2(64))
	assert.Equal(t, 0, Log2(1))
	assert.Equal(t, 12, Log2(4096))
}
