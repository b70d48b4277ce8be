//go:build !linux

// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package host // import "github.com/qinjuan/dynamorio/host"

// SafeMemory is the stub implementation for non-Linux systems; every read
// fails, which callers treat as unreadable target memory.
type SafeMemory struct{}

// NewSafeMemory returns the stub reader.
func NewSafeMemory() SafeMemory { return SafeMemory{} }

// Read always reports failure on this platform.
func (sm SafeMemory) Read(_ uint64, _ []byte) bool { return false }
