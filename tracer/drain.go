// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/qinjuan/dynamorio/tracer"

import (
	log "github.com/sirupsen/logrus"

	"github.com/qinjuan/dynamorio/host"
	"github.com/qinjuan/dynamorio/instru"
)

// atomicPipeWrite writes st.buf[start:end) to the pipe as one atomic
// payload and re-emits the thread header just before the unwritten tail,
// so the next chunk starts with the TID the pipe reader demultiplexes on.
// Returns the new start offset.
func (t *Tracer) atomicPipeWrite(ctx host.Context, st *perThread, start, end int) int {
	towrite := end - start
	if towrite > t.pipe.AtomicWriteSize() || towrite <= t.bufHdrSlotsSize {
		log.Fatalf("Fatal error: bad pipe chunk size %d", towrite)
	}
	if _, err := t.pipe.Write(st.buf[start:end]); err != nil {
		log.Fatalf("Fatal error: failed to write trace: %v", err)
	}
	start = end - t.bufHdrSlotsSize
	t.ins.AppendTID(st.buf[start:], t.rt.ThreadID(ctx))
	return start
}

// writeTraceData transports st.buf[start:end): synchronously or by handoff
// for offline, atomically to the pipe for online.
func (t *Tracer) writeTraceData(ctx host.Context, st *perThread, start, end int) int {
	if t.cfg.Offline {
		data := st.buf[start:end]
		if t.fileOps.Handoff != nil {
			if !t.fileOps.Handoff(st.file, data, t.maxBufSize) {
				log.Fatalf("Fatal error: failed to hand off trace")
			}
		} else if n, err := t.fileOps.Write(st.file, data); err != nil || n < len(data) {
			log.Fatalf("Fatal error: failed to write trace: %v", err)
		}
		return start
	}
	return t.atomicPipeWrite(ctx, st, start, end)
}

// memtrace drains the thread's buffer: stamps the unit header, applies the
// size cap, rewrites physical addresses, frames pipe chunks, and transports
// the bytes. skipSizeCap is set at thread exit so the footer always lands.
func (t *Tracer) memtrace(ctx host.Context, skipSizeCap bool) {
	st := t.threadState(ctx)
	bufPtr := st.bufPtr()
	// Nothing to write happens: e.g. a syscall drain under -l0-filter.
	if bufPtr == t.bufHdrSlotsSize {
		return
	}

	// The initial slot was left empty for the header entry, which we add
	// here, unless this is the thread's very first offline buffer, which
	// already carries the full file header.
	headerSize := t.bufHdrSlotsSize
	if st.numRefs == 0 && t.cfg.Offline {
		headerSize = st.initHeaderSize
	} else {
		t.ins.AppendUnitHeader(st.buf, t.rt.ThreadID(ctx))
	}

	pipeStart, pipeEnd := 0, 0
	doWrite := true
	maxSize := t.maxTraceSize.Load()
	if !skipSizeCap && maxSize > 0 && st.bytesWritten > maxSize {
		// The limit is not matched exactly: one buffer beyond is allowed,
		// and instrumentation still runs and comes back here.
		doWrite = false
	} else {
		st.bytesWritten += uint64(bufPtr - pipeStart)
	}

	if doWrite {
		atomicSize := 0
		if !t.cfg.Offline {
			atomicSize = t.pipe.AtomicWriteSize()
		}
		for off := headerSize; off < bufPtr; off += instru.EntrySize {
			st.numRefs++
			entry := st.buf[off : off+instru.EntrySize]
			if t.havePhys && t.cfg.UsePhysical {
				t.rewritePhysical(entry)
			}
			if !t.cfg.Offline {
				// Split the buffer into multiple writes to keep each pipe
				// payload atomic. Splits land only before instruction
				// fetches so data entries stay with their instruction.
				if instru.IsInstrFetch(instru.EntryType(entry)) {
					if off-pipeStart > atomicSize {
						pipeStart = t.atomicPipeWrite(ctx, st, pipeStart, pipeEnd)
					}
					pipeEnd = off
				}
			}
		}
		if t.cfg.Offline {
			t.writeTraceData(ctx, st, pipeStart, bufPtr)
		} else {
			// The last few entries (an instruction plus its references)
			// may exceed the atomic size, needing two writes.
			if bufPtr-pipeStart > atomicSize {
				pipeStart = t.atomicPipeWrite(ctx, st, pipeStart, pipeEnd)
			}
			if bufPtr-pipeStart > t.bufHdrSlotsSize {
				t.atomicPipeWrite(ctx, st, pipeStart, bufPtr)
			}
		}
	}

	if doWrite && t.fileOps.Handoff != nil {
		// The handoff callback now owns the buffer; trace into a new one.
		t.createBuffer(st)
		st.setBufPtr(t.bufHdrSlotsSize)
		return
	}
	t.resetBuffer(st)
}

// rewritePhysical replaces a data entry's virtual address with its physical
// mapping; other entry types keep their addresses. Untranslatable addresses (vsyscall pages, wild application
// accesses) keep their virtual form so the consumer never loses the entry.
func (t *Tracer) rewritePhysical(entry []byte) {
	typ := instru.EntryType(entry)
	switch typ {
	case instru.TypeThread, instru.TypeThreadExit, instru.TypePid,
		instru.TypeHeader, instru.TypeFooter:
		return
	case instru.TypeInstrBundle:
		// Bundles cannot be translated; they are disabled under -use-physical.
		log.Errorf("Instruction bundle present with physical translation on")
		return
	}
	if !instru.IsDataRef(typ) {
		return
	}
	virt := instru.EntryAddr(entry)
	phys := t.phys.Virtual2Physical(virt)
	if phys != 0 {
		instru.SetEntryAddr(entry, phys)
	} else {
		log.Infof("virtual2physical translation failure for <%2d, %2d, %#x>",
			typ, instru.EntryLen(entry), virt)
	}
}

// drainCleanCall is the clean-call target planted after the redzone check.
func (t *Tracer) drainCleanCall(ctx host.Context, _ []uint64) {
	t.memtrace(ctx, false)
}
