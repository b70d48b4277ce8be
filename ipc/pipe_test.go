//go:build linux

// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPipeNaming(t *testing.T) {
	p := NewPipe("memtrace")
	assert.Equal(t, "memtrace", p.Name())
	assert.Equal(t, "/tmp/memtrace.pipe", p.Path())
	assert.Equal(t, 4096, p.AtomicWriteSize())
}

func TestPipeRoundTrip(t *testing.T) {
	name := fmt.Sprintf("memtrace-test-%d", os.Getpid())
	p := NewPipe(name)
	require.NoError(t, p.Create())
	defer os.Remove(p.Path())

	// Open a reader first so the blocking writer open returns at once.
	rfd, err := unix.Open(p.Path(), unix.O_RDONLY|unix.O_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(rfd)

	require.NoError(t, p.OpenForWrite())
	defer p.Close()
	p.MaximizeBuffer() // best effort

	payload := []byte("trace-bytes")
	n, err := p.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	_, err = unix.Read(rfd, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
