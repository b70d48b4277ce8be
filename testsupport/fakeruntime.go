// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

// Package testsupport provides a fake host runtime for package tests: it
// implements the host.Runtime contract with in-memory state, drives the
// event pipeline by hand, and lets tests inject failures (allocation,
// unreadable memory) that are hard to produce against a real runtime.
package testsupport // import "github.com/qinjuan/dynamorio/testsupport"

import (
	"fmt"

	"github.com/qinjuan/dynamorio/host"
)

// FakeContext is the per-thread context handed to core callbacks.
type FakeContext struct {
	tid       int
	tlsFields map[int]any
	rawSlots  []uintptr
	mcontext  host.MContext
	sysParams []uint64
	isaMode   host.ISAMode
}

// ThreadID implements host.Context.
func (c *FakeContext) ThreadID() int { return c.tid }

// TLSField implements host.Context.
func (c *FakeContext) TLSField(idx int) any { return c.tlsFields[idx] }

// SetTLSField implements host.Context.
func (c *FakeContext) SetTLSField(idx int, v any) { c.tlsFields[idx] = v }

// MContext exposes the thread's fake machine context to tests.
func (c *FakeContext) MContext() *host.MContext { return &c.mcontext }

// SetSyscallParams primes the values SyscallParam returns.
func (c *FakeContext) SetSyscallParams(params ...uint64) { c.sysParams = params }

// SetISAMode sets the decode mode reported for this thread.
func (c *FakeContext) SetISAMode(m host.ISAMode) { c.isaMode = m }

// FakeRuntime implements host.Runtime against in-memory state.
type FakeRuntime struct {
	arch *host.Arch

	// AllocFailures makes the next N RawMemAlloc calls fail.
	AllocFailures int
	// LiveAllocs tracks outstanding raw allocations.
	LiveAllocs int

	// Memory backs SafeRead: address -> bytes readable from there.
	Memory map[uint64][]byte

	// Options backs IntegerOption.
	Options map[string]uint64

	// RepString, when set, answers ExpandRepString.
	RepString func(il *host.InstrList) (bool, bool)

	// AppPath is returned by AppName.
	AppPath string
	// PID is returned by ProcessID.
	PID int

	nextTLSField int
	rawTLSSlots  int

	reserved map[host.Reg]bool
	// ReserveCount / UnreserveCount observe spill parity.
	ReserveCount, UnreserveCount     int
	AflagsReserved, AflagsUnreserved int

	bbEvents   []*host.BBEvents
	threadInit []func(host.Context)
	threadExit []func(host.Context)
	preSyscall []func(host.Context, int) bool
	forkInit   []func(host.Context)
	moduleLoad []func(host.Context, *host.ModuleData, bool)
	moduleUnld []func(host.Context, *host.ModuleData)
	exitFns    []func()
}

var _ host.Runtime = (*FakeRuntime)(nil)

// NewFakeRuntime returns a runtime for the given architecture.
func NewFakeRuntime(arch *host.Arch) *FakeRuntime {
	return &FakeRuntime{
		arch:     arch,
		Memory:   make(map[uint64][]byte),
		Options:  make(map[string]uint64),
		AppPath:  "/bin/app",
		PID:      1234,
		reserved: make(map[host.Reg]bool),
	}
}

// Arch implements host.Runtime.
func (rt *FakeRuntime) Arch() *host.Arch { return rt.arch }

// RawMemAlloc implements host.Runtime, honoring AllocFailures.
func (rt *FakeRuntime) RawMemAlloc(size int) ([]byte, error) {
	if rt.AllocFailures > 0 {
		rt.AllocFailures--
		return nil, fmt.Errorf("out of memory")
	}
	rt.LiveAllocs++
	return make([]byte, size), nil
}

// RawMemFree implements host.Runtime.
func (rt *FakeRuntime) RawMemFree(_ []byte) { rt.LiveAllocs-- }

// RegisterTLSField implements host.Runtime.
func (rt *FakeRuntime) RegisterTLSField() int {
	idx := rt.nextTLSField
	rt.nextTLSField++
	return idx
}

// UnregisterTLSField implements host.Runtime.
func (rt *FakeRuntime) UnregisterTLSField(_ int) {}

// RawTLSCalloc implements host.Runtime.
func (rt *FakeRuntime) RawTLSCalloc(slots int) (host.RawTLS, error) {
	rt.rawTLSSlots = slots
	return host.RawTLS{Seg: host.Reg(95), Offs: 0}, nil
}

// RawTLSFree implements host.Runtime.
func (rt *FakeRuntime) RawTLSFree(_ host.RawTLS, _ int) bool { return true }

// RawTLSSegment implements host.Runtime.
func (rt *FakeRuntime) RawTLSSegment(ctx host.Context, _ host.RawTLS) []uintptr {
	c := ctx.(*FakeContext)
	if c.rawSlots == nil {
		c.rawSlots = make([]uintptr, rt.rawTLSSlots)
	}
	return c.rawSlots
}

// InsertReadRawTLS implements host.Runtime by emitting a load through the
// TLS slot operand.
func (rt *FakeRuntime) InsertReadRawTLS(il *host.InstrList, where *host.Instr,
	t host.RawTLS, slot int, dst host.Reg) {
	il.InsertBefore(where, host.NewLoad(dst,
		host.TLSOpnd(t.SlotOffs(rt.arch.PtrSize, slot))))
}

// InsertWriteRawTLS implements host.Runtime.
func (rt *FakeRuntime) InsertWriteRawTLS(il *host.InstrList, where *host.Instr,
	t host.RawTLS, slot int, src host.Reg) {
	il.InsertBefore(where, host.NewStore(
		host.TLSOpnd(t.SlotOffs(rt.arch.PtrSize, slot)), host.RegOpnd(src)))
}

// InsertCleanCall implements host.Runtime: the trampoline is represented
// by one synthetic instruction carrying the call as its note.
func (rt *FakeRuntime) InsertCleanCall(il *host.InstrList, where *host.Instr,
	call *host.CleanCall) {
	in := host.NewInstr(host.OpCleanCall, nil, call.Args)
	in.SetNote(call)
	il.InsertBefore(where, in)
}

// ReserveRegister implements host.Runtime, handing out the lowest-numbered
// allowed free register.
func (rt *FakeRuntime) ReserveRegister(_ *host.InstrList, _ *host.Instr,
	allowed *host.RegVector) (host.Reg, error) {
	if allowed == nil {
		allowed = host.NewRegVector(true)
	}
	for r := host.Reg(1); r < host.Reg(95); r++ {
		if allowed.Allowed(r) && !rt.reserved[r] {
			rt.reserved[r] = true
			rt.ReserveCount++
			return r, nil
		}
	}
	return host.RegNull, fmt.Errorf("no registers available")
}

// UnreserveRegister implements host.Runtime.
func (rt *FakeRuntime) UnreserveRegister(_ *host.InstrList, _ *host.Instr,
	reg host.Reg) error {
	if !rt.reserved[reg] {
		return fmt.Errorf("register %d not reserved", reg)
	}
	delete(rt.reserved, reg)
	rt.UnreserveCount++
	return nil
}

// ReserveAflags implements host.Runtime.
func (rt *FakeRuntime) ReserveAflags(_ *host.InstrList, _ *host.Instr) error {
	rt.AflagsReserved++
	return nil
}

// UnreserveAflags implements host.Runtime.
func (rt *FakeRuntime) UnreserveAflags(_ *host.InstrList, _ *host.Instr) error {
	rt.AflagsUnreserved++
	return nil
}

// GetAppValue implements host.Runtime.
func (rt *FakeRuntime) GetAppValue(il *host.InstrList, where *host.Instr,
	appReg, dst host.Reg) error {
	il.InsertBefore(where, host.NewMove(dst, appReg))
	return nil
}

// SafeRead implements host.Runtime against the Memory map.
func (rt *FakeRuntime) SafeRead(addr uint64, buf []byte) bool {
	src, ok := rt.Memory[addr]
	if !ok || len(src) < len(buf) {
		return false
	}
	copy(buf, src)
	return true
}

// GetMContext implements host.Runtime.
func (rt *FakeRuntime) GetMContext(ctx host.Context, mc *host.MContext) bool {
	*mc = ctx.(*FakeContext).mcontext
	return true
}

// SetMContext implements host.Runtime.
func (rt *FakeRuntime) SetMContext(ctx host.Context, mc *host.MContext) bool {
	ctx.(*FakeContext).mcontext = *mc
	return true
}

// ThreadID implements host.Runtime.
func (rt *FakeRuntime) ThreadID(ctx host.Context) int { return ctx.ThreadID() }

// ProcessID implements host.Runtime.
func (rt *FakeRuntime) ProcessID() int { return rt.PID }

// AppName implements host.Runtime.
func (rt *FakeRuntime) AppName() string { return rt.AppPath }

// ISAMode implements host.Runtime.
func (rt *FakeRuntime) ISAMode(ctx host.Context) host.ISAMode {
	return ctx.(*FakeContext).isaMode
}

// IntegerOption implements host.Runtime.
func (rt *FakeRuntime) IntegerOption(name string) (uint64, bool) {
	v, ok := rt.Options[name]
	return v, ok
}

// SyscallParam implements host.Runtime.
func (rt *FakeRuntime) SyscallParam(ctx host.Context, i int) uint64 {
	c := ctx.(*FakeContext)
	if i >= len(c.sysParams) {
		return 0
	}
	return c.sysParams[i]
}

// ExpandRepString implements host.Runtime.
func (rt *FakeRuntime) ExpandRepString(_ host.Context, il *host.InstrList) (bool, bool) {
	if rt.RepString != nil {
		return rt.RepString(il)
	}
	return false, true
}

// Event registration.

func (rt *FakeRuntime) RegisterBBEvents(ev *host.BBEvents) bool {
	rt.bbEvents = append(rt.bbEvents, ev)
	return true
}

func (rt *FakeRuntime) UnregisterBBEvents(ev *host.BBEvents) bool {
	for i, e := range rt.bbEvents {
		if e == ev {
			rt.bbEvents = append(rt.bbEvents[:i], rt.bbEvents[i+1:]...)
			return true
		}
	}
	return false
}

func (rt *FakeRuntime) RegisterThreadInit(fn func(host.Context)) bool {
	rt.threadInit = append(rt.threadInit, fn)
	return true
}

func (rt *FakeRuntime) UnregisterThreadInit(_ func(host.Context)) bool {
	if len(rt.threadInit) == 0 {
		return false
	}
	rt.threadInit = rt.threadInit[:len(rt.threadInit)-1]
	return true
}

func (rt *FakeRuntime) RegisterThreadExit(fn func(host.Context)) bool {
	rt.threadExit = append(rt.threadExit, fn)
	return true
}

func (rt *FakeRuntime) UnregisterThreadExit(_ func(host.Context)) bool {
	if len(rt.threadExit) == 0 {
		return false
	}
	rt.threadExit = rt.threadExit[:len(rt.threadExit)-1]
	return true
}

func (rt *FakeRuntime) RegisterPreSyscall(fn func(host.Context, int) bool) bool {
	rt.preSyscall = append(rt.preSyscall, fn)
	return true
}

func (rt *FakeRuntime) UnregisterPreSyscall(_ func(host.Context, int) bool) bool {
	if len(rt.preSyscall) == 0 {
		return false
	}
	rt.preSyscall = rt.preSyscall[:len(rt.preSyscall)-1]
	return true
}

func (rt *FakeRuntime) RegisterForkInit(fn func(host.Context)) {
	rt.forkInit = append(rt.forkInit, fn)
}

func (rt *FakeRuntime) RegisterModuleLoad(fn func(host.Context, *host.ModuleData, bool)) {
	rt.moduleLoad = append(rt.moduleLoad, fn)
}

func (rt *FakeRuntime) RegisterModuleUnload(fn func(host.Context, *host.ModuleData)) {
	rt.moduleUnld = append(rt.moduleUnld, fn)
}

func (rt *FakeRuntime) RegisterExit(fn func()) {
	rt.exitFns = append(rt.exitFns, fn)
}

func (rt *FakeRuntime) UnregisterExit(_ func()) {
	if len(rt.exitFns) > 0 {
		rt.exitFns = rt.exitFns[:len(rt.exitFns)-1]
	}
}

// Test drivers: fire the registered events the way the runtime would.

// NewThread creates a context and runs the thread-init events.
func (rt *FakeRuntime) NewThread(tid int) *FakeContext {
	ctx := &FakeContext{tid: tid, tlsFields: make(map[int]any)}
	for _, fn := range rt.threadInit {
		fn(ctx)
	}
	return ctx
}

// ExitThread runs the thread-exit events.
func (rt *FakeRuntime) ExitThread(ctx *FakeContext) {
	for _, fn := range rt.threadExit {
		fn(ctx)
	}
}

// RunBB drives one basic block through the four-stage pipeline, invoking
// the instruction stage once per instruction like the manager does.
func (rt *FakeRuntime) RunBB(ctx *FakeContext, il *host.InstrList) {
	for _, ev := range rt.bbEvents {
		var ud any
		if ev.App2App != nil {
			ud, _ = ev.App2App(ctx, il, false, false)
		}
		if ev.Analysis != nil {
			ev.Analysis(ctx, il, false, false, ud)
		}
		if ev.Instruction != nil {
			// Snapshot: stages insert instrumentation while we walk.
			var app []*host.Instr
			for in := il.First(); in != nil; in = in.Next() {
				app = append(app, in)
			}
			for _, in := range app {
				ev.Instruction(ctx, il, in, false, false, ud)
			}
		}
		if ev.Instru2Instru != nil {
			ev.Instru2Instru(ctx, il, false, false, ud)
		}
	}
}

// Syscall runs the pre-syscall events.
func (rt *FakeRuntime) Syscall(ctx *FakeContext, sysnum int) {
	for _, fn := range rt.preSyscall {
		fn(ctx, sysnum)
	}
}

// Fork runs the fork-init events.
func (rt *FakeRuntime) Fork(ctx *FakeContext) {
	for _, fn := range rt.forkInit {
		fn(ctx)
	}
}

// LoadModule fires module-load events.
func (rt *FakeRuntime) LoadModule(ctx *FakeContext, m *host.ModuleData) {
	for _, fn := range rt.moduleLoad {
		fn(ctx, m, true)
	}
}

// UnloadModule fires module-unload events.
func (rt *FakeRuntime) UnloadModule(ctx *FakeContext, m *host.ModuleData) {
	for _, fn := range rt.moduleUnld {
		fn(ctx, m)
	}
}

// Exit fires process-exit events.
func (rt *FakeRuntime) Exit() {
	for _, fn := range rt.exitFns {
		fn()
	}
}

// CleanCalls returns the clean calls planted in il, in order.
func CleanCalls(il *host.InstrList) []*host.CleanCall {
	var calls []*host.CleanCall
	for in := il.First(); in != nil; in = in.Next() {
		if in.Op == host.OpCleanCall {
			calls = append(calls, in.Note().(*host.CleanCall))
		}
	}
	return calls
}
