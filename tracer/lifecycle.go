// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/qinjuan/dynamorio/tracer"

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/qinjuan/dynamorio/host"
	"github.com/qinjuan/dynamorio/instru"
)

// numDirTries bounds the retry loop for unique output names.
const numDirTries = 10000

// modlistFilename is the module list sidecar inside the log directory.
const modlistFilename = "modules.log"

// rawSubDir groups the raw per-thread files, isolating them from any
// processed trace written next to them later.
const rawSubDir = "raw"

// armSysCacheflush is the Linux ARM cacheflush syscall, whose flushed
// range is recorded as an iflush entry pair.
const armSysCacheflush = 0xf0002

// appID names output after the instrumented executable: its base name plus
// a short hash of the full path, so same-named binaries stay distinct.
func (t *Tracer) computeAppID() {
	path := t.rt.AppName()
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	t.appID = fmt.Sprintf("%s.%08x", base, uint32(xxh3.HashString(path)))
}

// initOfflineDir creates the unique output directory tree and opens the
// module list. Name collisions retry with a new counter suffix.
func (t *Tracer) initOfflineDir() error {
	t.computeAppID()
	var logDir string
	ok := false
	for i := 0; i < numDirTries; i++ {
		logDir = filepath.Join(t.cfg.OutDir,
			fmt.Sprintf("%s.%05d.%04d.dir", t.appID, t.rt.ProcessID(), i))
		if err := t.fileOps.CreateDir(logDir); err == nil {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("failed to create a subdir in %s", t.cfg.OutDir)
	}
	t.logSubDir = filepath.Join(logDir, rawSubDir)
	if err := t.fileOps.CreateDir(t.logSubDir); err != nil {
		return fmt.Errorf("failed to create %s: %v", t.logSubDir, err)
	}
	log.Infof("Log directory is %s", t.logSubDir)

	t.modlistPath = filepath.Join(t.logSubDir, modlistFilename)
	f, err := t.fileOps.Open(t.modlistPath, FileWriteRequireNew|FileCloseOnFork)
	if err != nil {
		return fmt.Errorf("failed to create module list %s: %v", t.modlistPath, err)
	}
	t.moduleFile = f
	return nil
}

// openThreadFile opens a uniquely named per-thread trace file, retrying on
// collisions like the directory creation does.
func (t *Tracer) openThreadFile(tid int) (File, error) {
	ext := "raw"
	if t.cfg.Compress {
		ext = "raw.zst"
	}
	for i := 0; i < numDirTries; i++ {
		name := filepath.Join(t.logSubDir,
			fmt.Sprintf("%s.%d.%04d.%s", t.appID, tid, i, ext))
		f, err := t.fileOps.Open(name, FileWriteRequireNew|FileCloseOnFork)
		if err != nil {
			continue
		}
		log.Debugf("Created thread trace file %s", name)
		if t.cfg.Compress {
			return newZstdFile(f)
		}
		return f, nil
	}
	return nil, fmt.Errorf("failed to create trace file for thread %d", tid)
}

// zstdFile stacks a zstd encoder on the underlying trace file under the
// same write-file contract.
type zstdFile struct {
	*zstd.Encoder
	raw File
}

func newZstdFile(raw File) (File, error) {
	enc, err := zstd.NewWriter(raw)
	if err != nil {
		return nil, err
	}
	return &zstdFile{Encoder: enc, raw: raw}, nil
}

func (z *zstdFile) Close() error {
	if err := z.Encoder.Close(); err != nil {
		z.raw.Close()
		return err
	}
	return z.raw.Close()
}

// initThreadInProcess sets up a thread's output at thread init and again
// at fork init: a fresh offline file with its header triple, or the
// registration triple down the pipe.
func (t *Tracer) initThreadInProcess(ctx host.Context, st *perThread) {
	tid := t.rt.ThreadID(ctx)
	if t.cfg.Offline {
		f, err := t.openThreadFile(tid)
		if err != nil {
			log.Fatalf("Fatal error: %v", err)
		}
		st.file = f

		// Initial headers at the top of the first buffer.
		st.initHeaderSize = t.ins.AppendThreadHeader(st.buf, tid)
		off := st.initHeaderSize
		off += t.ins.AppendTID(st.buf[off:], tid)
		off += t.ins.AppendPID(st.buf[off:], t.rt.ProcessID())
		st.setBufPtr(off)
	} else {
		// Register this thread and process with the simulator.
		var reg [3 * instru.EntrySize]byte
		n := t.ins.AppendThreadHeader(reg[:], tid)
		n += t.ins.AppendTID(reg[n:], tid)
		n += t.ins.AppendPID(reg[n:], t.rt.ProcessID())
		if _, err := t.pipe.Write(reg[:n]); err != nil {
			log.Fatalf("Fatal error: failed to register thread: %v", err)
		}
		st.setBufPtr(t.bufHdrSlotsSize)
	}

	if t.cfg.L0Filter {
		word := t.arch.PtrSize
		dlines := int(t.cfg.L0DSize / t.cfg.LineSize)
		ilines := int(t.cfg.L0ISize / t.cfg.LineSize)
		dcache, err := t.rt.RawMemAlloc(dlines * word)
		if err != nil {
			log.Fatalf("Fatal error: failed to allocate L0 dcache: %v", err)
		}
		icache, err := t.rt.RawMemAlloc(ilines * word)
		if err != nil {
			log.Fatalf("Fatal error: failed to allocate L0 icache: %v", err)
		}
		st.l0DCache = dcache
		st.l0ICache = icache
		st.tls[slotDCache] = host.BufAddr(dcache)
		st.tls[slotICache] = host.BufAddr(icache)
	}
}

// eventThreadInit builds the per-thread state: TLS wiring, the first
// buffer, and the thread's output.
func (t *Tracer) eventThreadInit(ctx host.Context) {
	st := &perThread{}
	ctx.SetTLSField(t.tlsField, st)
	st.tls = t.rt.RawTLSSegment(ctx, t.rawTLS)
	t.createBuffer(st)
	t.initThreadInProcess(ctx, st)
}

// eventThreadExit lets the consumer know the thread is gone, drains one
// last time past the size cap, and frees everything the thread owned.
func (t *Tracer) eventThreadExit(ctx host.Context) {
	st := t.threadState(ctx)
	maxSize := t.maxTraceSize.Load()
	if maxSize > 0 && st.bytesWritten > maxSize {
		// Over the limit: rewind so only the footer is written.
		st.setBufPtr(t.bufHdrSlotsSize)
	}
	off := st.bufPtr()
	off += t.ins.AppendThreadExit(st.buf[off:], t.rt.ThreadID(ctx))
	st.setBufPtr(off)

	t.memtrace(ctx, true)

	if t.cfg.Offline {
		t.fileOps.Close(st.file)
	}

	if t.cfg.L0Filter {
		t.rt.RawMemFree(st.l0DCache)
		t.rt.RawMemFree(st.l0ICache)
	}

	t.mu.Lock()
	t.numRefs += st.numRefs
	t.mu.Unlock()
	t.rt.RawMemFree(st.buf)
	if st.reserveBuf != nil {
		t.rt.RawMemFree(st.reserveBuf)
	}
	ctx.SetTLSField(t.tlsField, nil)
}

// eventForkInit re-initializes the surviving thread in the child. Output
// descriptors were close-on-fork and outstanding data was drained before
// the fork syscall, so only fresh output needs creating.
func (t *Tracer) eventForkInit(ctx host.Context) {
	st := t.threadState(ctx)
	// Only count references made in the new process; the zero count also
	// re-arms the initial-header special case in the drain.
	st.numRefs = 0
	if t.cfg.Offline {
		if err := t.initOfflineDir(); err != nil {
			log.Fatalf("Fatal error: %v", err)
		}
	}
	t.initThreadInProcess(ctx, st)
}

// eventPreSyscall drains the buffer so syscall-visible actions are
// bracketed by trace records. ARM's cacheflush also records the flushed
// range.
func (t *Tracer) eventPreSyscall(ctx host.Context, sysnum int) bool {
	if t.arch.Name == "arm" && sysnum == armSysCacheflush {
		start := t.rt.SyscallParam(ctx, 0)
		end := t.rt.SyscallParam(ctx, 1)
		if end > start {
			st := t.threadState(ctx)
			off := st.bufPtr()
			off += t.ins.AppendIflush(st.buf[off:], start, end-start)
			st.setBufPtr(off)
		}
	}
	if t.fileOps.Handoff == nil {
		t.memtrace(ctx, false)
	}
	return true
}
