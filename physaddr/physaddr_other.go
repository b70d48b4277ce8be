//go:build !linux

// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package physaddr // import "github.com/qinjuan/dynamorio/physaddr"

import (
	"fmt"
	"runtime"
)

type pagemapReader struct{}

// Init fails on platforms without a pagemap interface.
func (pa *PhysAddr) Init() error {
	return fmt.Errorf("physical address translation unsupported on %s", runtime.GOOS)
}

// Close is a no-op on this platform.
func (pa *PhysAddr) Close() {}

func (pagemapReader) lookup(_ uint64, _ uint) uint64 { return 0 }
