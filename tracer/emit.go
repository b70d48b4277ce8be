// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/qinjuan/dynamorio/tracer"

import (
	log "github.com/sirupsen/logrus"

	"github.com/qinjuan/dynamorio/host"
	"github.com/qinjuan/dynamorio/instru"
)

// maxNumDelayInstrs bounds the delay buffer feeding instruction bundles.
const maxNumDelayInstrs = 32

// userData is the per-block state threaded through the four bb callbacks.
type userData struct {
	lastAppPC      uint64
	strex          *host.Instr
	numDelayInstrs int
	delayInstrs    [maxNumDelayInstrs]*host.Instr
	repstr         bool
	instruField    any
}

// eventBBApp2App expands repeated-string loops into explicit iteration so
// every per-iteration reference is visible to instrumentation.
func (t *Tracer) eventBBApp2App(ctx host.Context, il *host.InstrList,
	forTrace, translating bool) (any, host.EmitFlags) {
	ud := &userData{}
	repstr, ok := t.rt.ExpandRepString(ctx, il)
	if !ok {
		// Carry on: we'll just miss per-iteration refs.
		log.Errorf("Failed to expand string loop in block %#x", il.Tag)
	}
	ud.repstr = repstr
	return ud, host.EmitDefault
}

func (t *Tracer) eventBBAnalysis(ctx host.Context, il *host.InstrList,
	forTrace, translating bool, userDataAny any) host.EmitFlags {
	ud := userDataAny.(*userData)
	t.ins.BBAnalysis(il, &ud.instruField, ud.repstr)
	return host.EmitDefault
}

func (t *Tracer) eventBBInstru2Instru(ctx host.Context, il *host.InstrList,
	forTrace, translating bool, userDataAny any) host.EmitFlags {
	return host.EmitDefault
}

func (t *Tracer) insertLoadBufPtr(il *host.InstrList, where *host.Instr, regPtr host.Reg) {
	t.rt.InsertReadRawTLS(il, where, t.rawTLS, slotBufPtr, regPtr)
}

// insertUpdateBufPtr commits an accumulated buffer-pointer advance. On ARM
// a truly conditional application instruction predicates the whole update
// sequence so a skipped instruction leaves the pointer untouched.
func (t *Tracer) insertUpdateBufPtr(il *host.InstrList, where *host.Instr,
	regPtr host.Reg, pred host.Pred, adjust int) {
	if adjust == 0 {
		return
	}
	label := host.NewLabel()
	il.InsertBefore(where, label)
	il.InsertBefore(where, host.NewAddImm(regPtr, int64(adjust)))
	t.rt.InsertWriteRawTLS(il, where, t.rawTLS, slotBufPtr, regPtr)
	if t.arch.PredicatedExec && !t.cfg.L0Filter && pred.IsTrulyConditional() {
		// The filter path jumps over the update instead of predicating it.
		for in := where.Prev(); in != label; in = in.Prev() {
			in.SetPredicate(pred)
		}
	}
}

// instrumentDelayInstrs flushes the delay buffer: a full entry for the
// first instruction, then bundle entries for the rest, except under
// physical translation where bundles could cross pages.
func (t *Tracer) instrumentDelayInstrs(il *host.InstrList, ud *userData,
	where *host.Instr, regPtr, regTmp host.Reg, adjust int) int {
	if ud.repstr {
		// The expansion means the original app block had one instruction,
		// a memref; its pre-memref entry suffices for the whole loop.
		ud.numDelayInstrs = 0
		return adjust
	}
	adjust = t.ins.InstrumentInstr(il, where, &ud.instruField,
		regPtr, regTmp, adjust, ud.delayInstrs[0])
	if t.havePhys && t.cfg.UsePhysical {
		for i := 1; i < ud.numDelayInstrs; i++ {
			adjust = t.ins.InstrumentInstr(il, where, &ud.instruField,
				regPtr, regTmp, adjust, ud.delayInstrs[i])
		}
	} else {
		adjust = t.ins.InstrumentIBundle(il, where, regPtr, regTmp, adjust,
			ud.delayInstrs[1:ud.numDelayInstrs])
	}
	ud.numDelayInstrs = 0
	return adjust
}

// instrumentCleanCall emits the redzone check and the conditional drain at
// the end of a block: load the word at the current buffer pointer and skip
// the clean call when it is zero, i.e. the pointer is still inside the
// zeroed trace region; the redzone sentinel makes it nonzero.
func (t *Tracer) instrumentCleanCall(ctx host.Context, il *host.InstrList,
	where *host.Instr, regPtr, regTmp host.Reg) {
	skipCall := host.NewLabel()
	il.InsertBefore(where, host.NewLoad(regPtr,
		host.MemOpnd(regPtr, 0, uint8(t.arch.PtrSize))))
	switch {
	case t.arch.IsX86():
		// The register reservation pinned regPtr to XCX so jecxz reaches
		// across the out-of-line clean call.
		if prof, ok := t.rt.IntegerOption("profile_pcs"); ok && prof != 0 {
			// The pc-profiling gencode makes the clean call too far for
			// jecxz; invert through a long-jump stub.
			shouldSkip := host.NewLabel()
			noSkip := host.NewLabel()
			il.InsertBefore(where, host.NewJecxz(shouldSkip))
			il.InsertBefore(where, host.NewJump(noSkip))
			il.InsertBefore(where, shouldSkip)
			il.InsertBefore(where, host.NewJump(skipCall))
			il.InsertBefore(where, noSkip)
		} else {
			il.InsertBefore(where, host.NewJecxz(skipCall))
		}
	case t.arch.PredicatedExec:
		if t.rt.ISAMode(ctx) == host.ISAModeARMThumb {
			// The clean call is too long for cbz to skip forward over.
			noSkip := host.NewLabel()
			il.InsertBefore(where, host.NewCbnz(noSkip, regPtr))
			il.InsertBefore(where, host.NewJump(skipCall))
			il.InsertBefore(where, noSkip)
		} else {
			// A32 has no compare-and-branch; save flags around a cmp.
			il.InsertBefore(where, host.NewSaveAflags(regTmp))
			il.InsertBefore(where, host.NewCmp(host.RegOpnd(regPtr), host.ImmOpnd(0)))
			il.InsertBefore(where, host.NewJumpCond(host.PredEQ, skipCall))
		}
	default:
		il.InsertBefore(where, host.NewCbz(skipCall, regPtr))
	}
	t.rt.InsertCleanCall(il, where, &host.CleanCall{
		Fn:              t.drainCleanCall,
		AlwaysOutOfLine: true,
	})
	il.InsertBefore(where, skipCall)
	if t.arch.PredicatedExec && t.rt.ISAMode(ctx) != host.ISAModeARMThumb {
		il.InsertBefore(where, host.NewRestoreAflags(regTmp))
	}
}

// instrumentMemref emits one data entry for ref, optionally behind the L0
// filter. The filter's scratch state is released after the skip label for
// spill/restore parity on all paths.
func (t *Tracer) instrumentMemref(il *host.InstrList, ud *userData,
	where *host.Instr, regPtr, regTmp host.Reg, adjust int,
	app *host.Instr, ref host.Opnd, write bool, pred host.Pred) int {
	skip := host.NewLabel()
	regThird := host.RegNull
	if t.cfg.L0Filter {
		var skipInstru bool
		regThird, skipInstru = t.insertFilterAddr(il, where, ud, regPtr, regTmp,
			ref, nil, skip, pred)
		if skipInstru {
			return adjust
		}
		t.insertLoadBufPtr(il, where, regPtr)
	}
	adjust = t.ins.InstrumentMemref(il, where, regPtr, regTmp, adjust, app, ref, write, pred)
	if t.cfg.L0Filter && adjust != 0 {
		// Filtered entries can't share one pointer adjustment.
		t.insertUpdateBufPtr(il, where, regPtr, pred, adjust)
		adjust = 0
	}
	il.InsertBefore(where, skip)
	t.unreserveFilterRegs(il, where, regThird)
	return adjust
}

// instrumentInstr emits one instruction-fetch entry, optionally behind the
// icache L0 filter.
func (t *Tracer) instrumentInstr(il *host.InstrList, ud *userData,
	where *host.Instr, regPtr, regTmp host.Reg, adjust int, app *host.Instr) int {
	skip := host.NewLabel()
	regThird := host.RegNull
	if t.cfg.L0Filter {
		var skipInstru bool
		regThird, skipInstru = t.insertFilterAddr(il, where, ud, regPtr, regTmp,
			host.NullOpnd(), app, skip, host.PredNone)
		if skipInstru {
			return adjust
		}
		t.insertLoadBufPtr(il, where, regPtr) // else already loaded
	}
	adjust = t.ins.InstrumentInstr(il, where, &ud.instruField,
		regPtr, regTmp, adjust, app)
	if t.cfg.L0Filter && adjust != 0 {
		t.insertUpdateBufPtr(il, where, regPtr, host.PredNone, adjust)
		adjust = 0
	}
	il.InsertBefore(where, skip)
	t.unreserveFilterRegs(il, where, regThird)
	return adjust
}

func (t *Tracer) unreserveFilterRegs(il *host.InstrList, where *host.Instr,
	regThird host.Reg) {
	if !t.cfg.L0Filter {
		return
	}
	if regThird != host.RegNull {
		if err := t.rt.UnreserveRegister(il, where, regThird); err != nil {
			log.Fatalf("Fatal error: failed to unreserve filter scratch: %v", err)
		}
	}
	if err := t.rt.UnreserveAflags(il, where); err != nil {
		log.Fatalf("Fatal error: failed to unreserve aflags: %v", err)
	}
}

// eventAppInstruction emits the inline trace code for one application
// instruction: delayed-fetch flushing, deferred exclusive stores, the
// fetch entry, data entries, the pointer commit and, at block end, the
// redzone-triggered drain.
func (t *Tracer) eventAppInstruction(ctx host.Context, il *host.InstrList,
	in *host.Instr, forTrace, translating bool, userDataAny any) host.EmitFlags {
	ud := userDataAny.(*userData)
	isFirst := il.FirstApp() == in
	isLast := il.LastApp() == in

	if t.cfg.L0Filter && ud.repstr && isFirst {
		// The control flow added for the string-loop expansion jumps over
		// the lazily-delayed aflags spill; force the spill up front before
		// the internal jump.
		if err := t.rt.ReserveAflags(il, in); err != nil {
			log.Fatalf("Fatal error: failed to reserve aflags: %v", err)
		}
		if err := t.rt.UnreserveAflags(il, in); err != nil {
			log.Fatalf("Fatal error: failed to unreserve aflags: %v", err)
		}
	}

	// Skip non-app instructions and the identical-PC artifacts of string
	// expansion, unless offline needs a fetch entry at the block start.
	if (!in.IsApp() || ud.lastAppPC == in.AppPC()) &&
		ud.strex == nil &&
		(!t.cfg.Offline || !isFirst) {
		return host.EmitDefault
	}

	// Exclusive-store instrumentation moves past the store to loosen the
	// monitor between the load/store-exclusive pair.
	if ud.strex == nil && in.IsExclusiveStore() {
		dst := in.Dst(0)
		// A strex writing its own base register cannot be replayed after
		// the store; leave it uninstrumented.
		if !in.WritesToReg(dst.Base) {
			ud.strex = in
			ud.lastAppPC = in.AppPC()
		}
		return host.EmitDefault
	}

	// Delay plain fetches and emit them later as a full entry plus bundle
	// entries.
	if (!t.cfg.Offline || !isFirst) &&
		!(in.ReadsMemory() || in.WritesMemory()) &&
		!isLast &&
		(instru.InstrToInstrType(in) == instru.TypeInstr ||
			(!t.cfg.Offline && !t.cfg.OnlineInstrTypes)) &&
		ud.strex == nil &&
		!t.cfg.L0Filter &&
		ud.numDelayInstrs < maxNumDelayInstrs {
		ud.delayInstrs[ud.numDelayInstrs] = in
		ud.numDelayInstrs++
		return host.EmitDefault
	}

	pred := in.Predicate()

	// Two scratch registers for the whole instruction's entries. The
	// pointer scratch is pinned for short-conditional reach; filtering
	// additionally keeps XAX free to preserve flags.
	rvec1 := host.NewRegVector(false)
	rvec2 := host.NewRegVector(true)
	if t.arch.IsX86() {
		rvec1.SetEntry(host.RegXCX, true)
		if t.cfg.L0Filter {
			rvec2.SetEntry(t.arch.XAX, false)
		}
	} else if t.arch.ScratchPtrMax != host.RegNull {
		for r := host.RegARMR0; r <= t.arch.ScratchPtrMax; r++ {
			rvec1.SetEntry(r, true)
		}
	} else {
		rvec1 = host.NewRegVector(true)
	}
	regPtr, err := t.rt.ReserveRegister(il, in, rvec1)
	if err != nil {
		log.Fatalf("Fatal error: failed to reserve scratch register: %v", err)
	}
	regTmp, err := t.rt.ReserveRegister(il, in, rvec2)
	if err != nil {
		log.Fatalf("Fatal error: failed to reserve scratch register: %v", err)
	}

	adjust := 0
	if !t.cfg.L0Filter {
		t.insertLoadBufPtr(il, in, regPtr)
	}

	if ud.numDelayInstrs != 0 {
		adjust = t.instrumentDelayInstrs(il, ud, in, regPtr, regTmp, adjust)
	}

	if ud.strex != nil {
		adjust = t.instrumentInstr(il, ud, in, regPtr, regTmp, adjust, ud.strex)
		adjust = t.instrumentMemref(il, ud, in, regPtr, regTmp, adjust,
			ud.strex, ud.strex.Dst(0), true, ud.strex.Predicate())
		ud.strex = nil
	}

	// The fetch entry doubles as the PC anchor for the data entries that
	// follow. String-expansion iterations keep only the original fetch.
	isMemref := in.ReadsMemory() || in.WritesMemory()
	if isMemref || !ud.repstr {
		adjust = t.instrumentInstr(il, ud, in, regPtr, regTmp, adjust, in)
	}
	ud.lastAppPC = in.AppPC()

	if isMemref {
		if pred.IsTrulyConditional() && adjust != 0 {
			// Commit before the predicated entries: the code below may
			// not execute, and the pointer must stay consistent.
			t.insertUpdateBufPtr(il, in, regPtr, host.PredNone, adjust)
			adjust = 0
		}
		for i := 0; i < in.NumSrcs(); i++ {
			if in.Src(i).IsMemoryReference() {
				adjust = t.instrumentMemref(il, ud, in, regPtr, regTmp, adjust,
					in, in.Src(i), false, pred)
			}
		}
		for i := 0; i < in.NumDsts(); i++ {
			if in.Dst(i).IsMemoryReference() {
				adjust = t.instrumentMemref(il, ud, in, regPtr, regTmp, adjust,
					in, in.Dst(i), true, pred)
			}
		}
		if adjust != 0 {
			t.insertUpdateBufPtr(il, in, regPtr, pred, adjust)
		}
	} else if adjust != 0 {
		t.insertUpdateBufPtr(il, in, regPtr, host.PredNone, adjust)
	}

	if isLast {
		if t.cfg.L0Filter {
			t.insertLoadBufPtr(il, in, regPtr)
		}
		t.instrumentCleanCall(ctx, il, in, regPtr, regTmp)
	}

	if err := t.rt.UnreserveRegister(il, in, regPtr); err != nil {
		log.Fatalf("Fatal error: failed to unreserve scratch register: %v", err)
	}
	if err := t.rt.UnreserveRegister(il, in, regTmp); err != nil {
		log.Fatalf("Fatal error: failed to unreserve scratch register: %v", err)
	}
	return host.EmitDefault
}
