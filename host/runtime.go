// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package host // import "github.com/qinjuan/dynamorio/host"

// Context is the per-thread runtime context passed through every core entry
// point. TLS fields are opaque slots the core uses to reach its per-thread
// state from event callbacks; raw TLS slots are the word-sized locations
// reachable from generated code.
type Context interface {
	// ThreadID returns the OS thread ID of the owning thread.
	ThreadID() int

	// TLSField and SetTLSField access the runtime-managed TLS field
	// registered with RegisterTLSField.
	TLSField(idx int) any
	SetTLSField(idx int, v any)
}

// RawTLS is a handle to a contiguous run of raw TLS slots allocated with
// RawTLSCalloc. Generated code reaches slot i at byte offset Offs+i*word
// from the TLS segment base.
type RawTLS struct {
	Seg  Reg // segment/base register generated code loads through
	Offs int // byte offset of slot 0 within the segment
}

// SlotOffs returns the byte offset of slot idx for inline TLS operands.
func (t RawTLS) SlotOffs(ptrSize, idx int) int { return t.Offs + ptrSize*idx }

// MContext is the integer machine context of an instrumented thread.
type MContext struct {
	Regs [regCount]uint64
}

// Get returns the value of r.
func (mc *MContext) Get(r Reg) uint64 { return mc.Regs[r] }

// Set assigns the value of r.
func (mc *MContext) Set(r Reg, v uint64) { mc.Regs[r] = v }

// RegVector is the allowed-register set passed to scratch reservation,
// mirroring the reservation collaborator's vector API: start empty or full,
// then toggle individual entries.
type RegVector struct {
	allowed [regCount]bool
}

// NewRegVector returns a vector with every register set to fill.
func NewRegVector(fill bool) *RegVector {
	v := &RegVector{}
	for i := range v.allowed {
		v.allowed[i] = fill
	}
	v.allowed[RegNull] = false
	return v
}

// SetEntry marks reg as allowed or disallowed.
func (v *RegVector) SetEntry(reg Reg, allowed bool) { v.allowed[reg] = allowed }

// Allowed reports whether reg may be handed out.
func (v *RegVector) Allowed(reg Reg) bool { return v.allowed[reg] }

// CleanCallFn is a function invoked through a clean-call trampoline. The
// runtime saves and restores machine state around it; arg values are the
// evaluated clean-call operands.
type CleanCallFn func(ctx Context, args []uint64)

// CleanCall is attached as the note of an OpCleanCall instruction.
type CleanCall struct {
	Fn              CleanCallFn
	Args            []Opnd
	SaveFPState     bool
	AlwaysOutOfLine bool
}

// ModuleData describes a loaded application module.
type ModuleData struct {
	Path       string
	Start, End uint64
	// Exports maps exported symbol names to their PCs.
	Exports map[string]uint64
}

// ProcAddress returns the PC of an exported symbol, or 0.
func (m *ModuleData) ProcAddress(name string) uint64 {
	if m.Exports == nil {
		return 0
	}
	return m.Exports[name]
}

// EmitFlags is returned by basic-block event callbacks.
type EmitFlags uint8

// EmitDefault requests default code-cache emission.
const EmitDefault EmitFlags = 0

// BBEvents is the four-stage basic-block instrumentation pipeline. The
// runtime invokes App2App once per block, Analysis once per block,
// Instruction once per instruction (including non-application instructions
// inserted by earlier stages), and Instru2Instru once after.
type BBEvents struct {
	App2App      func(ctx Context, il *InstrList, forTrace, translating bool) (userData any, flags EmitFlags)
	Analysis     func(ctx Context, il *InstrList, forTrace, translating bool, userData any) EmitFlags
	Instruction  func(ctx Context, il *InstrList, in *Instr, forTrace, translating bool, userData any) EmitFlags
	Instru2Instru func(ctx Context, il *InstrList, forTrace, translating bool, userData any) EmitFlags
}

// Runtime is the host DBI runtime as seen by the tracing core. A fake
// implementation lives in testsupport for package tests.
type Runtime interface {
	Arch() *Arch

	// RawMemAlloc returns size bytes of zeroed read/write memory outside
	// the Go heap's control, and RawMemFree releases it.
	RawMemAlloc(size int) ([]byte, error)
	RawMemFree(buf []byte)

	// RegisterTLSField allocates a runtime-managed TLS field index.
	RegisterTLSField() int
	UnregisterTLSField(idx int)

	// RawTLSCalloc allocates a run of raw TLS slots reachable from
	// generated code; RawTLSFree releases them.
	RawTLSCalloc(slots int) (RawTLS, error)
	RawTLSFree(t RawTLS, slots int) bool
	// RawTLSSegment exposes the calling thread's raw slot storage. Slot
	// values written by inline code and by the core meet here; the core
	// keeps byte offsets into its buffers in them.
	RawTLSSegment(ctx Context, t RawTLS) []uintptr

	// Inline emission of raw TLS reads and writes.
	InsertReadRawTLS(il *InstrList, where *Instr, t RawTLS, slot int, dst Reg)
	InsertWriteRawTLS(il *InstrList, where *Instr, t RawTLS, slot int, src Reg)

	// InsertCleanCall splices a clean-call trampoline before where.
	InsertCleanCall(il *InstrList, where *Instr, call *CleanCall)

	// Scratch-register reservation. Reservations nest; unreservation must
	// be symmetric on every control-flow path.
	ReserveRegister(il *InstrList, where *Instr, allowed *RegVector) (Reg, error)
	UnreserveRegister(il *InstrList, where *Instr, reg Reg) error
	ReserveAflags(il *InstrList, where *Instr) error
	UnreserveAflags(il *InstrList, where *Instr) error
	// GetAppValue restores the application value of appReg into dst.
	GetAppValue(il *InstrList, where *Instr, appReg, dst Reg) error

	// SafeRead copies len(buf) bytes from the instrumented program's
	// address space, reporting failure instead of faulting.
	SafeRead(addr uint64, buf []byte) bool

	GetMContext(ctx Context, mc *MContext) bool
	SetMContext(ctx Context, mc *MContext) bool

	ThreadID(ctx Context) int
	ProcessID() int
	// AppName returns the instrumented executable's path.
	AppName() string
	// ISAMode reports the current decode mode (ARM vs Thumb).
	ISAMode(ctx Context) ISAMode
	// IntegerOption queries a host runtime option such as "profile_pcs".
	IntegerOption(name string) (uint64, bool)
	// SyscallParam returns parameter i of the syscall a pre-syscall event
	// is observing.
	SyscallParam(ctx Context, i int) uint64

	// ExpandRepString converts repeated-string loops in il into explicit
	// iteration, reporting whether the block was a string loop.
	ExpandRepString(ctx Context, il *InstrList) (repstr bool, ok bool)

	// Event registration. Unregister* return false when the handler was
	// not registered.
	RegisterBBEvents(ev *BBEvents) bool
	UnregisterBBEvents(ev *BBEvents) bool
	RegisterThreadInit(fn func(Context)) bool
	UnregisterThreadInit(fn func(Context)) bool
	RegisterThreadExit(fn func(Context)) bool
	UnregisterThreadExit(fn func(Context)) bool
	RegisterPreSyscall(fn func(Context, int) bool) bool
	UnregisterPreSyscall(fn func(Context, int) bool) bool
	RegisterForkInit(fn func(Context))
	RegisterModuleLoad(fn func(Context, *ModuleData, bool))
	RegisterModuleUnload(fn func(Context, *ModuleData))
	RegisterExit(fn func())
	UnregisterExit(fn func())
}
