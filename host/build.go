// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package host // import "github.com/qinjuan/dynamorio/host"

// Instruction construction helpers. These are the width-neutral builders the
// inline instrumentation uses; everything they return is synthetic (no
// application PC) until tagged with SetTranslation.

// NewLabel returns a label: no machine semantics, a splice point for
// branches and markers.
func NewLabel() *Instr { return NewInstr(OpLabel, nil, nil) }

// NewLoad returns dst = [mem].
func NewLoad(dst Reg, mem Opnd) *Instr {
	return NewInstr(OpLoad, []Opnd{RegOpnd(dst)}, []Opnd{mem})
}

// NewStore returns [mem] = src.
func NewStore(mem Opnd, src Opnd) *Instr {
	return NewInstr(OpStore, []Opnd{mem}, []Opnd{src})
}

// NewMove returns dst = src for registers.
func NewMove(dst, src Reg) *Instr {
	return NewInstr(OpMove, []Opnd{RegOpnd(dst)}, []Opnd{RegOpnd(src)})
}

// NewMovImm returns dst = imm, materializing a pointer-sized immediate.
func NewMovImm(dst Reg, imm int64) *Instr {
	return NewInstr(OpMovImm, []Opnd{RegOpnd(dst)}, []Opnd{ImmOpnd(imm)})
}

// NewAddImm returns dst += imm.
func NewAddImm(dst Reg, imm int64) *Instr {
	return NewInstr(OpAdd, []Opnd{RegOpnd(dst)}, []Opnd{RegOpnd(dst), ImmOpnd(imm)})
}

// NewAddScaled returns dst = src1 + (src2 << shift).
func NewAddScaled(dst, src1, src2 Reg, shift uint8) *Instr {
	return NewInstr(OpAddScaled,
		[]Opnd{RegOpnd(dst)},
		[]Opnd{RegOpnd(src1), RegOpnd(src2), ImmOpnd(int64(shift))})
}

// NewAndImm returns dst &= imm, setting flags.
func NewAndImm(dst Reg, imm int64) *Instr {
	return NewInstr(OpAnd, []Opnd{RegOpnd(dst)}, []Opnd{RegOpnd(dst), ImmOpnd(imm)})
}

// NewAndReg returns dst &= src, setting flags.
func NewAndReg(dst, src Reg) *Instr {
	return NewInstr(OpAnd, []Opnd{RegOpnd(dst)}, []Opnd{RegOpnd(dst), RegOpnd(src)})
}

// NewShrImm returns dst >>= imm (logical).
func NewShrImm(dst Reg, imm int64) *Instr {
	return NewInstr(OpShr, []Opnd{RegOpnd(dst)}, []Opnd{RegOpnd(dst), ImmOpnd(imm)})
}

// NewCmp returns a flags-setting compare of two operands.
func NewCmp(a, b Opnd) *Instr {
	return NewInstr(OpCmp, nil, []Opnd{a, b})
}

// NewXorZero returns reg = 0 via xor reg, reg.
func NewXorZero(reg Reg) *Instr {
	return NewInstr(OpXor, []Opnd{RegOpnd(reg)}, []Opnd{RegOpnd(reg), RegOpnd(reg)})
}

// NewJump returns an unconditional jump to target.
func NewJump(target *Instr) *Instr {
	return NewInstr(OpJmpDirect, nil, []Opnd{InstrOpnd(target)})
}

// NewJumpCond returns a conditional jump to target taken when pred holds.
func NewJumpCond(pred Pred, target *Instr) *Instr {
	in := NewInstr(OpJcc, nil, []Opnd{InstrOpnd(target)})
	in.pred = pred
	return in
}

// NewJecxz returns the x86 jecxz: jump to target when XCX is zero, without
// touching flags.
func NewJecxz(target *Instr) *Instr {
	return NewInstr(OpJecxz, nil, []Opnd{InstrOpnd(target), RegOpnd(RegXCX)})
}

// NewCbnz returns the ARM/AArch64 compare-and-branch-on-nonzero.
func NewCbnz(target *Instr, reg Reg) *Instr {
	return NewInstr(OpCbnz, nil, []Opnd{InstrOpnd(target), RegOpnd(reg)})
}

// NewCbz returns the ARM/AArch64 compare-and-branch-on-zero.
func NewCbz(target *Instr, reg Reg) *Instr {
	return NewInstr(OpCbz, nil, []Opnd{InstrOpnd(target), RegOpnd(reg)})
}

// NewSaveAflags returns a save of the arithmetic flags into reg.
func NewSaveAflags(reg Reg) *Instr {
	return NewInstr(OpSaveAflags, []Opnd{RegOpnd(reg)}, nil)
}

// NewRestoreAflags returns a restore of the arithmetic flags from reg.
func NewRestoreAflags(reg Reg) *Instr {
	return NewInstr(OpRestoreAflags, nil, []Opnd{RegOpnd(reg)})
}
