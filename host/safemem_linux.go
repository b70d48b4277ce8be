//go:build linux

// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package host // import "github.com/qinjuan/dynamorio/host"

import (
	"os"

	"golang.org/x/sys/unix"
)

// SafeMemory reads the instrumented program's address space without
// faulting. Routing the access through process_vm_readv on our own PID
// turns a wild pointer into an error return instead of a segfault, which is
// what the Valgrind dispatcher needs when it chases an argument-block
// pointer supplied by the application.
type SafeMemory struct {
	pid int
}

// NewSafeMemory returns a reader for the current process.
func NewSafeMemory() SafeMemory {
	return SafeMemory{pid: os.Getpid()}
}

// Read copies len(p) bytes from addr, reporting success. Partial reads
// report failure.
func (sm SafeMemory) Read(addr uint64, p []byte) bool {
	if len(p) == 0 {
		return true
	}
	localIov := []unix.Iovec{{Base: &p[0], Len: uint64(len(p))}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(p)}}
	n, err := unix.ProcessVMReadv(sm.pid, localIov, remoteIov, 0)
	return err == nil && n == len(p)
}
