// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package host // import "github.com/qinjuan/dynamorio/host"

// Opcode is a width-neutral opcode. The set covers what the tracing core
// inspects on application instructions plus everything its inline
// instrumentation emits.
type Opcode uint16

const (
	OpInvalid Opcode = iota
	OpLabel

	// Application-side opcodes the core pattern-matches on.
	OpRol
	OpXchg
	OpCallDirect
	OpCallIndirect
	OpJmpDirect
	OpJmpIndirect
	OpJcc
	OpRet
	OpStoreExclusive
	OpLoadExclusive

	// Opcodes emitted by inline instrumentation.
	OpLoad
	OpStore
	OpMove
	OpMovImm
	OpAdd
	OpAddScaled // dst = src1 + (src2 << shift)
	OpAnd
	OpShr
	OpCmp
	OpXor
	OpJecxz
	OpCbnz
	OpCbz
	OpSaveAflags
	OpRestoreAflags
	OpCleanCall

	// OpOther covers application instructions the core treats generically.
	OpOther
)

// InstrFlags carries marker bits on an instruction.
type InstrFlags uint16

const (
	// FlagAnnotation marks a synthetic annotation label carrying a handler
	// in its note.
	FlagAnnotation InstrFlags = 1 << iota
	// FlagMemRead / FlagMemWrite let application instructions declare
	// memory behavior beyond what their operand lists show (e.g. implicit
	// stack accesses).
	FlagMemRead
	FlagMemWrite
)

// Instr is one decoded or constructed instruction. Application instructions
// come from the runtime's decoder; synthetic instructions come from the
// builder functions in this package and carry no application PC.
type Instr struct {
	Op    Opcode
	Flags InstrFlags

	srcs []Opnd
	dsts []Opnd

	pc    uint64 // application PC; 0 for synthetic instructions
	xl8   uint64 // translation PC for fault attribution
	isApp bool
	pred  Pred

	// Length in bytes of the encoded application instruction.
	length uint8

	okToMangle bool
	note       any

	prev, next *Instr
}

// NewInstr constructs a synthetic instruction with the given opcode,
// destinations and sources.
func NewInstr(op Opcode, dsts, srcs []Opnd) *Instr {
	return &Instr{Op: op, dsts: dsts, srcs: srcs, okToMangle: true}
}

// NewAppInstr constructs an application instruction at pc.
func NewAppInstr(op Opcode, pc uint64, length int, dsts, srcs []Opnd) *Instr {
	return &Instr{
		Op: op, dsts: dsts, srcs: srcs,
		pc: pc, xl8: pc, length: uint8(length),
		isApp: true, okToMangle: true,
	}
}

// IsApp reports whether the instruction came from the application.
func (in *Instr) IsApp() bool { return in.isApp }

// AppPC returns the application PC, or 0 for synthetic instructions.
func (in *Instr) AppPC() uint64 { return in.pc }

// Length returns the encoded length in bytes of an application instruction.
func (in *Instr) Length() int { return int(in.length) }

// Translation returns the PC used for fault attribution.
func (in *Instr) Translation() uint64 { return in.xl8 }

// SetTranslation tags the instruction with a translation PC.
func (in *Instr) SetTranslation(pc uint64) *Instr {
	in.xl8 = pc
	return in
}

// NumSrcs returns the source operand count.
func (in *Instr) NumSrcs() int { return len(in.srcs) }

// NumDsts returns the destination operand count.
func (in *Instr) NumDsts() int { return len(in.dsts) }

// Src returns source operand i.
func (in *Instr) Src(i int) Opnd { return in.srcs[i] }

// Dst returns destination operand i.
func (in *Instr) Dst(i int) Opnd { return in.dsts[i] }

// Predicate returns the execution predicate.
func (in *Instr) Predicate() Pred { return in.pred }

// SetPredicate sets the execution predicate.
func (in *Instr) SetPredicate(p Pred) *Instr {
	in.pred = p
	return in
}

// IsPredicated reports whether the instruction is truly conditional.
func (in *Instr) IsPredicated() bool { return in.pred.IsTrulyConditional() }

// Note returns the client note attached to the instruction.
func (in *Instr) Note() any { return in.note }

// SetNote attaches a client note.
func (in *Instr) SetNote(n any) { in.note = n }

// OkToMangle reports whether the downstream mangler may rewrite the
// instruction.
func (in *Instr) OkToMangle() bool { return in.okToMangle }

// SetOkToMangle controls whether the downstream mangler may rewrite the
// instruction.
func (in *Instr) SetOkToMangle(ok bool) { in.okToMangle = ok }

// Prev returns the previous instruction in the containing list.
func (in *Instr) Prev() *Instr { return in.prev }

// Next returns the next instruction in the containing list.
func (in *Instr) Next() *Instr { return in.next }

// SetPrev links the instruction after prev. Used when assembling detached
// chains that are spliced into a block by the runtime.
func (in *Instr) SetPrev(prev *Instr) { in.prev = prev }

// SetNext links next after the instruction.
func (in *Instr) SetNext(next *Instr) { in.next = next }

// IsCallDirect reports whether the instruction is a direct call.
func (in *Instr) IsCallDirect() bool { return in.Op == OpCallDirect }

// BranchTargetPC returns the direct branch target, or 0 when there is none.
func (in *Instr) BranchTargetPC() uint64 {
	for _, s := range in.srcs {
		if s.Kind == OpndPC {
			return s.PC
		}
	}
	return 0
}

// IsExclusiveStore reports whether the instruction is an exclusive
// (store-conditional) store.
func (in *Instr) IsExclusiveStore() bool { return in.Op == OpStoreExclusive }

// ReadsMemory reports whether any source references memory.
func (in *Instr) ReadsMemory() bool {
	if in.Flags&FlagMemRead != 0 {
		return true
	}
	for _, s := range in.srcs {
		if s.IsMemoryReference() {
			return true
		}
	}
	return false
}

// WritesMemory reports whether any destination references memory.
func (in *Instr) WritesMemory() bool {
	if in.Flags&FlagMemWrite != 0 {
		return true
	}
	for _, d := range in.dsts {
		if d.IsMemoryReference() {
			return true
		}
	}
	return false
}

// WritesToReg reports whether the instruction writes the given register,
// including conditionally-written destinations.
func (in *Instr) WritesToReg(r Reg) bool {
	for _, d := range in.dsts {
		if d.Kind == OpndReg && d.Reg == r {
			return true
		}
	}
	return false
}
