// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc provides the named pipe online tracing streams into. Writers
// on separate threads share one pipe and rely on the kernel's atomic-write
// guarantee for payloads up to AtomicWriteSize.
package ipc // import "github.com/qinjuan/dynamorio/ipc"

import (
	"fmt"
	"path/filepath"
)

// atomicWriteSize is the payload size the OS guarantees to write atomically
// (POSIX PIPE_BUF; Linux guarantees 4096).
const atomicWriteSize = 4096

// Pipe is a named pipe opened for writing.
type Pipe struct {
	name string
	path string
	fd   int
}

// NewPipe returns an unopened pipe for the given identifier.
func NewPipe(name string) *Pipe {
	return &Pipe{
		name: name,
		path: filepath.Join(defaultPipeDir, name+".pipe"),
		fd:   -1,
	}
}

// Name returns the pipe identifier.
func (p *Pipe) Name() string { return p.name }

// Path returns the filesystem path of the pipe node.
func (p *Pipe) Path() string { return p.path }

// AtomicWriteSize returns the maximum payload written atomically with
// respect to other writers on the same pipe.
func (p *Pipe) AtomicWriteSize() int { return atomicWriteSize }

// Write writes all of b, returning an error on any short write.
func (p *Pipe) Write(b []byte) (int, error) {
	n, err := p.write(b)
	if err != nil {
		return n, fmt.Errorf("failed to write pipe %s: %v", p.name, err)
	}
	if n < len(b) {
		return n, fmt.Errorf("short write to pipe %s: %d < %d", p.name, n, len(b))
	}
	return n, nil
}
