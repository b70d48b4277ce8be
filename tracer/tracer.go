// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracer instruments every basic block of the application to emit
// compact memory-reference and instruction-fetch records into thread-local
// buffers, and drains those buffers to per-thread files or a shared named
// pipe for the downstream simulator.
package tracer // import "github.com/qinjuan/dynamorio/tracer"

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/qinjuan/dynamorio/config"
	"github.com/qinjuan/dynamorio/host"
	"github.com/qinjuan/dynamorio/instru"
	"github.com/qinjuan/dynamorio/ipc"
	"github.com/qinjuan/dynamorio/physaddr"
)

// Raw TLS slot indexes. BUF_PTR is reachable from every inline sequence;
// the cache slots exist only under -l0-filter but allocating them
// unconditionally keeps the layout fixed.
const (
	slotBufPtr = iota
	slotDCache
	slotICache
	slotCount
)

// bufHdrSlots is the entry count reserved at the start of each buffer for
// the per-drain unit header.
const bufHdrSlots = 1

// Pipe is the transport contract online mode writes through. ipc.Pipe
// satisfies it; tests substitute their own.
type Pipe interface {
	Write(b []byte) (int, error)
	AtomicWriteSize() int
	Close() error
}

// Translator rewrites virtual addresses at drain time. physaddr.PhysAddr
// satisfies it.
type Translator interface {
	Virtual2Physical(virt uint64) uint64
}

// File is the handle produced by the (replaceable) open-file operation.
type File interface {
	io.Writer
	Close() error
}

// Open flags for FileOps.Open, mirroring the host file contract.
const (
	FileWriteRequireNew = 1 << iota
	FileCloseOnFork
)

// FileOps are the replaceable file primitives used for offline output.
// Clients substitute them to redirect traces (e.g. over a network).
type FileOps struct {
	Open      func(path string, flags int) (File, error)
	Write     func(f io.Writer, b []byte) (int, error)
	Close     func(f File) error
	CreateDir func(path string) error

	// Handoff, when set, takes ownership of each drained buffer instead of
	// a synchronous write; the tracer creates a fresh buffer afterwards.
	Handoff func(f File, data []byte, allocSize int) bool
	// ExitCB runs at process exit with ExitArg, after output is closed.
	ExitCB  func(arg any)
	ExitArg any
}

func defaultFileOps() FileOps {
	return FileOps{
		Open: func(path string, flags int) (File, error) {
			oflags := os.O_WRONLY | os.O_CREATE
			if flags&FileWriteRequireNew != 0 {
				oflags |= os.O_EXCL
			}
			return os.OpenFile(path, oflags, 0o644)
		},
		Write:     func(f io.Writer, b []byte) (int, error) { return f.Write(b) },
		Close:     func(f File) error { return f.Close() },
		CreateDir: func(path string) error { return os.Mkdir(path, 0o755) },
	}
}

// Tracer is the core context: everything global to the tracing subsystem,
// created once at process init and reached from event callbacks.
type Tracer struct {
	rt   host.Runtime
	arch *host.Arch
	cfg  *config.Config

	ins        instru.Instru
	offlineIns *instru.Offline

	pipe    Pipe
	fileOps FileOps

	traceBufSize    int
	redzoneSize     int
	maxBufSize      int
	bufHdrSlotsSize int

	tlsField int
	rawTLS   host.RawTLS

	havePhys bool
	phys     Translator
	physOwn  *physaddr.PhysAddr

	// maxTraceSize starts as the configured cap and is clamped by the OOM
	// continuation path, so drains on other threads load it atomically.
	maxTraceSize atomic.Uint64

	// mu guards the global reference counter and the module-list file.
	mu         sync.Mutex
	numRefs    uint64
	moduleFile File
	numModules int

	appID       string
	logSubDir   string
	modlistPath string

	bbEvents   *host.BBEvents
	threadInit func(host.Context)
	threadExit func(host.Context)
	preSys     func(host.Context, int) bool
	exitFn     func()

	started bool
}

// New creates a tracer bound to the host runtime. Nothing is opened or
// registered until Start.
func New(rt host.Runtime, cfg *config.Config) (*Tracer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracer{
		rt:      rt,
		arch:    rt.Arch(),
		cfg:     cfg,
		fileOps: defaultFileOps(),
	}
	t.maxTraceSize.Store(cfg.MaxTraceSize)
	return t, nil
}

// ReplaceFileOps substitutes any non-nil file primitives. Must be called
// before Start.
func (t *Tracer) ReplaceFileOps(ops FileOps) {
	if ops.Open != nil {
		t.fileOps.Open = ops.Open
	}
	if ops.Write != nil {
		t.fileOps.Write = ops.Write
	}
	if ops.Close != nil {
		t.fileOps.Close = ops.Close
	}
	if ops.CreateDir != nil {
		t.fileOps.CreateDir = ops.CreateDir
	}
}

// BufferHandoff installs a buffer-ownership callback plus an exit callback,
// as an alternative to synchronous offline writes.
func (t *Tracer) BufferHandoff(handoff func(f File, data []byte, allocSize int) bool,
	exitCB func(arg any), exitArg any) {
	t.fileOps.Handoff = handoff
	t.fileOps.ExitCB = exitCB
	t.fileOps.ExitArg = exitArg
}

// UsePipe substitutes the online transport. Must be called before Start.
func (t *Tracer) UsePipe(p Pipe) { t.pipe = p }

// ModlistPath returns the module-list file path for offline runs.
func (t *Tracer) ModlistPath() string { return t.modlistPath }

// NumRefs returns the global count of references traced so far. Complete
// only after all threads exited.
func (t *Tracer) NumRefs() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numRefs
}

// Start performs process init: output setup, strategy construction, event
// registration and raw TLS allocation.
func (t *Tracer) Start() error {
	if t.started {
		return fmt.Errorf("tracer already started")
	}

	t.traceBufSize = instru.EntrySize * config.DefaultNumEntries
	t.redzoneSize = instru.EntrySize * config.DefaultNumEntries
	t.maxBufSize = t.traceBufSize + t.redzoneSize
	t.bufHdrSlotsSize = instru.EntrySize * bufHdrSlots

	if t.cfg.Offline {
		if err := t.initOfflineDir(); err != nil {
			return err
		}
		off := instru.NewOffline(t.fileOps.Write, t.moduleFile)
		t.offlineIns = off
		t.ins = off
	} else {
		t.ins = instru.NewOnline(t.cfg.OnlineInstrTypes)
		if t.pipe == nil {
			p := ipc.NewPipe(t.cfg.IPCName)
			if err := p.OpenForWrite(); err != nil {
				return err
			}
			if !p.MaximizeBuffer() {
				log.Infof("Failed to maximize pipe buffer: performance may suffer.")
			}
			t.pipe = p
		}
	}

	if t.cfg.UsePhysical {
		pa := physaddr.New()
		if err := pa.Init(); err != nil {
			log.Warnf("Unable to open pagemap: using virtual addresses. (%v)", err)
		} else {
			t.havePhys = true
			t.phys = pa
			t.physOwn = pa
		}
	}

	tls, err := t.rt.RawTLSCalloc(slotCount)
	if err != nil {
		return fmt.Errorf("failed to allocate raw TLS: %v", err)
	}
	t.rawTLS = tls
	t.tlsField = t.rt.RegisterTLSField()

	t.bbEvents = &host.BBEvents{
		App2App:       t.eventBBApp2App,
		Analysis:      t.eventBBAnalysis,
		Instruction:   t.eventAppInstruction,
		Instru2Instru: t.eventBBInstru2Instru,
	}
	t.threadInit = t.eventThreadInit
	t.threadExit = t.eventThreadExit
	t.preSys = t.eventPreSyscall
	t.exitFn = t.eventExit

	if !t.rt.RegisterBBEvents(t.bbEvents) ||
		!t.rt.RegisterThreadInit(t.threadInit) ||
		!t.rt.RegisterThreadExit(t.threadExit) ||
		!t.rt.RegisterPreSyscall(t.preSys) {
		return fmt.Errorf("failed to register instrumentation events")
	}
	t.rt.RegisterForkInit(t.eventForkInit)
	t.rt.RegisterModuleLoad(t.eventModuleLoad)
	t.rt.RegisterExit(t.exitFn)

	t.started = true
	log.Debugf("memtrace tracer initializing")
	return nil
}

// eventModuleLoad records loaded modules in the offline module list so the
// post-processor can map instruction PCs back to images.
func (t *Tracer) eventModuleLoad(_ host.Context, m *host.ModuleData, _ bool) {
	if t.offlineIns == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.numModules
	t.numModules++
	if err := t.offlineIns.WriteModule(idx, m); err != nil {
		log.Errorf("Failed to write module list entry: %v", err)
	}
}

// eventExit is process exit: tear down the strategy, close outputs, run the
// client exit callback and unregister everything.
func (t *Tracer) eventExit() {
	log.Infof("memtrace exiting process %d; traced %d references.",
		t.rt.ProcessID(), t.NumRefs())

	t.ins = nil
	t.offlineIns = nil

	if t.cfg.Offline {
		if t.moduleFile != nil {
			t.fileOps.Close(t.moduleFile)
			t.moduleFile = nil
		}
	} else if t.pipe != nil {
		t.pipe.Close()
	}
	if t.physOwn != nil {
		t.physOwn.Close()
	}

	if t.fileOps.ExitCB != nil {
		t.fileOps.ExitCB(t.fileOps.ExitArg)
	}

	if !t.rt.RawTLSFree(t.rawTLS, slotCount) {
		log.Errorf("Failed to free raw TLS slots")
	}
	t.rt.UnregisterTLSField(t.tlsField)
	if !t.rt.UnregisterBBEvents(t.bbEvents) ||
		!t.rt.UnregisterThreadInit(t.threadInit) ||
		!t.rt.UnregisterThreadExit(t.threadExit) ||
		!t.rt.UnregisterPreSyscall(t.preSys) {
		log.Errorf("Failed to unregister instrumentation events")
	}
	t.rt.UnregisterExit(t.exitFn)
	t.started = false
}
