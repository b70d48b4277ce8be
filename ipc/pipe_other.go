//go:build !linux

// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package ipc // import "github.com/qinjuan/dynamorio/ipc"

import (
	"fmt"
	"runtime"
)

const defaultPipeDir = "/tmp"

// Create is unsupported on this platform.
func (p *Pipe) Create() error {
	return fmt.Errorf("named pipes unsupported on %s", runtime.GOOS)
}

// OpenForWrite is unsupported on this platform.
func (p *Pipe) OpenForWrite() error {
	return fmt.Errorf("named pipes unsupported on %s", runtime.GOOS)
}

// MaximizeBuffer is a no-op on this platform.
func (p *Pipe) MaximizeBuffer() bool { return false }

func (p *Pipe) write(b []byte) (int, error) {
	return 0, fmt.Errorf("named pipes unsupported on %s", runtime.GOOS)
}

// Close is a no-op on this platform.
func (p *Pipe) Close() error { return nil }
