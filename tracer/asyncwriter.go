// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/qinjuan/dynamorio/tracer"

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// AsyncWriter is a ready-made buffer-handoff target: drained buffers are
// queued to a single writer goroutine, so clean calls return without
// blocking on file I/O. Enqueue order is preserved, which keeps each
// per-thread file's entries in program order.
//
// Install with:
//
//	w := tracer.NewAsyncWriter(ops.Write)
//	t.BufferHandoff(w.Handoff, w.Exit, nil)
type AsyncWriter struct {
	write func(f io.Writer, b []byte) (int, error)
	jobs  chan asyncJob
	eg    errgroup.Group
}

type asyncJob struct {
	file File
	data []byte
}

// asyncQueueDepth bounds outstanding buffers; a full queue backpressures
// the draining thread instead of growing without bound.
const asyncQueueDepth = 64

// NewAsyncWriter starts the writer goroutine.
func NewAsyncWriter(write func(f io.Writer, b []byte) (int, error)) *AsyncWriter {
	w := &AsyncWriter{
		write: write,
		jobs:  make(chan asyncJob, asyncQueueDepth),
	}
	w.eg.Go(w.run)
	return w
}

func (w *AsyncWriter) run() error {
	for job := range w.jobs {
		n, err := w.write(job.file, job.data)
		if err != nil {
			return err
		}
		if n < len(job.data) {
			return fmt.Errorf("short write of handed-off trace: %d < %d", n, len(job.data))
		}
	}
	return nil
}

// Handoff accepts ownership of data, which aliases the drained buffer.
func (w *AsyncWriter) Handoff(f File, data []byte, _ int) bool {
	w.jobs <- asyncJob{file: f, data: data}
	return true
}

// Exit flushes the queue and surfaces any write error; suitable as the
// handoff exit callback.
func (w *AsyncWriter) Exit(_ any) {
	close(w.jobs)
	if err := w.eg.Wait(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}
