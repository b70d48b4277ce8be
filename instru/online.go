// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package instru // import "github.com/qinjuan/dynamorio/instru"

import (
	"github.com/qinjuan/dynamorio/host"
)

// blockInfo is the per-block analysis field both strategies keep.
type blockInfo struct {
	numAppInstrs int
}

func analyzeBlock(il *host.InstrList, field *any, repstr bool) {
	bi := &blockInfo{}
	for in := il.First(); in != nil; in = in.Next() {
		if in.IsApp() {
			bi.numAppInstrs++
		}
	}
	// A repstr block is drutil's expansion of a single app instruction.
	if repstr {
		bi.numAppInstrs = 1
	}
	*field = bi
}

// Online feeds a simulator over the named pipe. Unit headers double as the
// thread registration entry so the pipe reader can demultiplex chunks.
type Online struct {
	emitter
	// instrTypes selects distinct instruction-type entries for jumps, calls
	// and returns instead of the generic fetch type; such instructions are
	// then never folded into a bundle. Plain fetches are still bundled.
	instrTypes bool
}

var _ Instru = (*Online)(nil)

// NewOnline returns the online strategy.
func NewOnline(instrTypes bool) *Online {
	return &Online{instrTypes: instrTypes}
}

// InstrTypes reports whether distinct instruction types are emitted.
func (o *Online) InstrTypes() bool { return o.instrTypes }

func (o *Online) SizeofEntry() int { return EntrySize }

// AppendThreadHeader writes the thread registration entry. Online mode has
// no file header; the triple written at thread init is header enough.
func (o *Online) AppendThreadHeader(buf []byte, tid int) int {
	return PutEntry(buf, TypeThread, 0, uint64(tid))
}

func (o *Online) AppendUnitHeader(buf []byte, tid int) int {
	return PutEntry(buf, TypeThread, 0, uint64(tid))
}

func (o *Online) AppendTID(buf []byte, tid int) int {
	return PutEntry(buf, TypeThread, 0, uint64(tid))
}

func (o *Online) AppendPID(buf []byte, pid int) int {
	return PutEntry(buf, TypePid, 0, uint64(pid))
}

func (o *Online) AppendThreadExit(buf []byte, tid int) int {
	return PutEntry(buf, TypeThreadExit, 0, uint64(tid))
}

func (o *Online) AppendIflush(buf []byte, addr, size uint64) int {
	n := PutEntry(buf, TypeInstrFlush, 0, addr)
	return n + PutEntry(buf[n:], TypeInstrFlush, 0, addr+size)
}

func (o *Online) BBAnalysis(il *host.InstrList, field *any, repstr bool) {
	analyzeBlock(il, field, repstr)
}

func (o *Online) InstrumentInstr(il *host.InstrList, where *host.Instr, field *any,
	regPtr, regTmp host.Reg, adjust int, app *host.Instr) int {
	t := TypeInstr
	if o.instrTypes {
		t = InstrToInstrType(app)
	}
	return o.instrumentInstrEntry(il, where, regPtr, regTmp, adjust, app, t)
}

func (o *Online) InstrumentMemref(il *host.InstrList, where *host.Instr,
	regPtr, regTmp host.Reg, adjust int, app *host.Instr,
	ref host.Opnd, write bool, pred host.Pred) int {
	t := TypeRead
	if write {
		t = TypeWrite
	}
	return o.instrumentMemrefEntry(il, where, regPtr, regTmp, adjust, ref, t)
}

func (o *Online) InstrumentIBundle(il *host.InstrList, where *host.Instr,
	regPtr, regTmp host.Reg, adjust int, delay []*host.Instr) int {
	return o.instrumentIBundle(il, where, regPtr, regTmp, adjust, delay)
}
