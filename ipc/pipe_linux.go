//go:build linux

// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package ipc // import "github.com/qinjuan/dynamorio/ipc"

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const defaultPipeDir = "/tmp"

// Create makes the pipe node, tolerating one that already exists.
func (p *Pipe) Create() error {
	if err := unix.Mkfifo(p.path, 0o666); err != nil && err != unix.EEXIST {
		return fmt.Errorf("failed to create pipe %s: %v", p.path, err)
	}
	return nil
}

// OpenForWrite opens an isolated write-only descriptor on the pipe. The
// descriptor is not shared with any stdio stream, so application I/O
// cannot interleave with trace data.
func (p *Pipe) OpenForWrite() error {
	fd, err := unix.Open(p.path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open pipe %s: %v", p.path, err)
	}
	p.fd = fd
	return nil
}

// MaximizeBuffer grows the kernel pipe buffer to the largest size the
// system permits. Failure only costs performance.
func (p *Pipe) MaximizeBuffer() bool {
	max, err := os.ReadFile("/proc/sys/fs/pipe-max-size")
	if err != nil {
		log.Debugf("Failed to read pipe-max-size: %v", err)
		return false
	}
	var want int
	if _, err := fmt.Sscanf(string(max), "%d", &want); err != nil {
		return false
	}
	if _, err := unix.FcntlInt(uintptr(p.fd), unix.F_SETPIPE_SZ, want); err != nil {
		log.Debugf("Failed to grow pipe buffer to %d: %v", want, err)
		return false
	}
	return true
}

func (p *Pipe) write(b []byte) (int, error) {
	return unix.Write(p.fd, b)
}

// Close closes the write descriptor.
func (p *Pipe) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}
