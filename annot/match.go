// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package annot // import "github.com/qinjuan/dynamorio/annot"

import (
	log "github.com/sirupsen/logrus"

	"github.com/qinjuan/dynamorio/host"
)

// vgRolCount is the length of the rotate preamble preceding the exchange
// in a Valgrind client request.
const vgRolCount = 4

// Match inspects one decoded instruction for a direct-call annotation. When
// the call target has registered handlers it returns a detached chain of
// synthetic marker instructions, one per handler, for the runtime to splice
// in at the call site. Each marker is a label flagged as an annotation,
// carries its handler as the note, and is off-limits to the mangler.
//
// Returns nil when the instruction is not an annotation call.
func (r *Registry) Match(instr *host.Instr) *host.Instr {
	if !instr.IsCallDirect() {
		return nil
	}
	target := instr.BranchTargetPC()

	var firstCall, prevCall *host.Instr
	r.mu.RLock()
	idx, ok := r.byPC[target]
	if !ok {
		idx = nilIdx
	}
	for idx != nilIdx {
		handler := &r.nodes[idx]
		call := host.NewLabel()
		call.Flags |= host.FlagAnnotation
		call.SetNote(handler)
		call.SetOkToMangle(false)

		if firstCall == nil {
			firstCall = call
			prevCall = call
		} else {
			prevCall.SetNext(call)
			call.SetPrev(prevCall)
			prevCall = call
		}
		idx = handler.next
	}
	r.mu.RUnlock()

	return firstCall
}

// MatchValgrindPattern verifies that the candidate exchange instruction at
// the end of bb closes a Valgrind client request: the exchange operates on
// XBX twice, and the four instructions before it are rotates of XDI whose
// immediates carry the architecture's signature. On a match the block is
// rewritten in place: the five pattern instructions are destroyed, XBX is
// cleared by an appended zero-idiom tagged to the exchange's PC, and a
// clean call hands the argument-block pointer in XAX to the dispatcher.
//
// The argument-gathering code before the preamble writes application
// registers and stays untouched.
func (r *Registry) MatchValgrindPattern(bb *host.InstrList, instr *host.Instr) bool {
	if instr.Op != host.OpXchg {
		return false
	}
	xbx := host.RegOpnd(r.arch.XBX)
	if instr.NumSrcs() == 0 || instr.NumDsts() == 0 ||
		!instr.Src(0).Same(xbx) || !instr.Dst(0).Same(xbx) {
		return false
	}

	// The exchange may still be linked as the block's last instruction or
	// already held aside by the caller; the rotate walk starts before it
	// either way.
	walk := bb.Last()
	if walk == instr {
		walk = instr.Prev()
	}
	for i := vgRolCount - 1; i >= 0; i-- {
		if walk == nil || walk.Op != host.OpRol {
			return false
		}
		if walk.NumSrcs() == 0 || !walk.Src(0).IsImmed() ||
			walk.Src(0).ImmedInt() != r.arch.RolImmeds[i] {
			return false
		}
		if walk.NumDsts() == 0 || !walk.Dst(0).Same(host.RegOpnd(r.arch.XDI)) {
			return false
		}
		walk = walk.Prev()
	}

	log.Debugf("Matched valgrind client request pattern at %#x", instr.AppPC())

	xchgXl8 := instr.AppPC()

	// Delete the exchange (when linked) and the rotates.
	if bb.Last() == instr {
		bb.Remove(instr)
	}
	last := bb.Last()
	for i := 0; i < vgRolCount; i++ {
		prev := last.Prev()
		bb.Remove(last)
		last = prev
	}

	// Clear XBX so the clean callee's write is not confused with an
	// application value by register analysis.
	bb.Append(host.NewXorZero(r.arch.XBX).SetTranslation(xchgXl8))

	r.rt.InsertCleanCall(bb, nil, &host.CleanCall{
		Fn:   r.handleVgAnnotation,
		Args: []host.Opnd{host.RegOpnd(r.arch.XAX)},
	})

	return true
}
