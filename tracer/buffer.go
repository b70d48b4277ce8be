// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/qinjuan/dynamorio/tracer"

import (
	log "github.com/sirupsen/logrus"

	"github.com/qinjuan/dynamorio/host"
)

// redzoneSentinel fills the redzone. Inline code loads the word at the
// current buffer pointer to decide whether to drain; the sentinel
// guarantees a nonzero read once the pointer has crossed into the redzone.
const redzoneSentinel = 0xff

// perThread is the tracing state owned exclusively by one application
// thread. The raw TLS slot holds the byte offset of the next write within
// buf; everything else is only touched from this thread's callbacks,
// except buffers whose ownership was handed off.
type perThread struct {
	// tls aliases the thread's raw TLS slots.
	tls []uintptr

	buf        []byte
	reserveBuf []byte

	numRefs      uint64
	bytesWritten uint64

	// Offline only.
	file           File
	initHeaderSize int

	numBuffers int

	l0DCache []byte
	l0ICache []byte
}

func (t *Tracer) threadState(ctx host.Context) *perThread {
	st, _ := ctx.TLSField(t.tlsField).(*perThread)
	return st
}

func (st *perThread) bufPtr() int       { return int(st.tls[slotBufPtr]) }
func (st *perThread) setBufPtr(off int) { st.tls[slotBufPtr] = uintptr(off) }

// createBuffer allocates a fresh trace buffer with a sentinel-filled
// redzone. The second creation also allocates the reserve buffer that an
// OOM later switches to: the instrumentation keeps writing, the drain just
// never outputs again. Idle threads never reach a second buffer, so they
// pay nothing.
func (t *Tracer) createBuffer(st *perThread) {
	buf, err := t.rt.RawMemAlloc(t.maxBufSize)
	if err != nil {
		if st.reserveBuf == nil {
			log.Fatalf("Fatal error: out of memory and cannot recover.")
		}
		log.Warnf("Out of memory: truncating further tracing.")
		st.buf = st.reserveBuf
		st.reserveBuf = nil
		// Avoid future buffer output.
		t.maxTraceSize.Store(st.bytesWritten - 1)
		return
	}
	// Raw allocations arrive zeroed; only the redzone needs painting.
	st.buf = buf
	fill(buf[t.traceBufSize:], redzoneSentinel)
	st.numBuffers++
	if st.numBuffers == 2 {
		if reserve, err := t.rt.RawMemAlloc(t.maxBufSize); err == nil {
			fill(reserve[t.traceBufSize:], redzoneSentinel)
			st.reserveBuf = reserve
		}
	}
}

// resetBuffer returns the buffer to its quiescent shape: trace region
// zeroed, redzone repainted up to the old write offset, pointer rewound
// past the header slot. Inline code skips the drain clean call when the
// word at the buffer pointer reads zero, so the trace region must be zero
// here.
func (t *Tracer) resetBuffer(st *perThread) {
	bufPtr := st.bufPtr()
	fill(st.buf[:t.traceBufSize], 0)
	if bufPtr > t.traceBufSize {
		fill(st.buf[t.traceBufSize:bufPtr], redzoneSentinel)
	}
	st.setBufPtr(t.bufHdrSlotsSize)
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
