// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/qinjuan/dynamorio/tracer"

import (
	log "github.com/sirupsen/logrus"

	"github.com/qinjuan/dynamorio/config"
	"github.com/qinjuan/dynamorio/host"
)

// insertFilterAddr inlines the level-0 direct-mapped cache lookup before a
// trace entry is written. On a hit control jumps to skip and no entry is
// emitted; on a miss the new tag replaces the slot and emission falls
// through.
//
// Returns the third scratch register the caller must release *after* the
// skip label, together with the aflags (the reservation collaborator
// requires symmetric spill/restore on all paths). skipInstru is reported
// when no instrumentation should be emitted at all and nothing was
// reserved: the icache short-circuit for a second instruction on the same
// line.
func (t *Tracer) insertFilterAddr(il *host.InstrList, where *host.Instr,
	ud *userData, regPtr, regAddr host.Reg, ref host.Opnd, app *host.Instr,
	skip *host.Instr, pred host.Pred) (regIdx host.Reg, skipInstru bool) {
	isICache := ref.IsNull()
	cacheSize := t.cfg.L0DSize
	slot := slotDCache
	if isICache {
		cacheSize = t.cfg.L0ISize
		slot = slotICache
	}
	mask := int64(cacheSize/t.cfg.LineSize) - 1
	lineBits := int64(config.Log2(t.cfg.LineSize))

	if isICache {
		// A second instruction on the cache line of the previous one
		// cannot miss; skip the filter entirely. An instruction straddling
		// two lines is simplified to its first line.
		if ud.lastAppPC != 0 {
			priorLine := int64(ud.lastAppPC>>lineBits) & mask
			newLine := int64(app.AppPC()>>lineBits) & mask
			if priorLine == newLine {
				return host.RegNull, true
			}
		}
		ud.lastAppPC = app.AppPC()
	}

	if err := t.rt.ReserveAflags(il, where); err != nil {
		log.Fatalf("Fatal error: failed to reserve aflags: %v", err)
	}
	// A third scratch holds the loaded tag. The app address in regAddr is
	// clobbered with the tag and recomputed on a miss, keeping the common
	// hit path shorter than carrying a fourth scratch.
	regIdx, err := t.rt.ReserveRegister(il, where, nil)
	if err != nil {
		log.Fatalf("Fatal error: failed to reserve 3rd scratch register: %v", err)
	}

	if t.arch.PredicatedExec && pred.IsTrulyConditional() {
		// A conditional branch sits inside the sequence, so the sequence
		// cannot itself be predicated; jump over it when the memref won't
		// execute. After the spills, for parity on all paths.
		il.InsertBefore(where, host.NewJumpCond(pred.Invert(), skip))
	}

	// Compute the line tag into regAddr.
	if isICache {
		il.InsertBefore(where, host.NewMovImm(regAddr, int64(app.AppPC())))
	} else {
		t.ins.InsertObtainAddr(il, where, regAddr, regPtr, ref)
	}
	il.InsertBefore(where, host.NewShrImm(regAddr, lineBits))
	il.InsertBefore(where, host.NewMove(regIdx, regAddr))
	if t.arch.IsX86() {
		il.InsertBefore(where, host.NewAndImm(regIdx, mask))
	} else {
		// The mask rarely fits an ARM immediate; materialize it.
		il.InsertBefore(where, host.NewMovImm(regPtr, mask))
		il.InsertBefore(where, host.NewAndReg(regIdx, regPtr))
	}

	// Load the cache slot address: array base from TLS plus scaled index.
	t.rt.InsertReadRawTLS(il, where, t.rawTLS, slot, regPtr)
	il.InsertBefore(where, host.NewAddScaled(regPtr, regPtr, regIdx,
		uint8(config.Log2(uint64(t.arch.PtrSize)))))
	il.InsertBefore(where, host.NewLoad(regIdx,
		host.MemOpnd(regPtr, 0, uint8(t.arch.PtrSize))))

	// Hit or miss?
	il.InsertBefore(where, host.NewCmp(host.RegOpnd(regIdx), host.RegOpnd(regAddr)))
	il.InsertBefore(where, host.NewJumpCond(host.PredEQ, skip))

	// Miss: install the new line's tag and fall through to emission.
	il.InsertBefore(where, host.NewStore(
		host.MemOpnd(regPtr, 0, uint8(t.arch.PtrSize)), host.RegOpnd(regAddr)))

	// The caller recomputes the app address; restore regIdx's app value if
	// the memref depends on it.
	if !isICache && ref.UsesReg(regIdx) {
		if err := t.rt.GetAppValue(il, where, regIdx, regIdx); err != nil {
			log.Fatalf("Fatal error: failed to restore app value: %v", err)
		}
	}
	return regIdx, false
}
