// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package host // import "github.com/qinjuan/dynamorio/host"

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Machine-code decoding helpers built on golang.org/x/arch. A real host
// runtime decodes application code itself; these helpers let tests and
// tools build Instr values from raw bytes with the same operand shapes the
// runtime produces.
//
// Only the opcodes the core pattern-matches on are classified precisely;
// everything else decodes to OpOther with its memory operands mapped. For
// OpOther a memory operand in the first argument slot is treated as a
// destination and every other argument as a source, which is how the
// common mov/arith encodings lay out.

// DecodeX86 decodes one instruction at pc from code. mode is the x86
// decode mode in bits (32 or 64).
func DecodeX86(code []byte, pc uint64, mode int) (*Instr, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to decode x86 at %#x: %v", pc, err)
	}
	var dsts, srcs []Opnd
	op := OpOther
	switch inst.Op {
	case x86asm.ROL:
		op = OpRol
		dsts = []Opnd{x86Arg(inst.Args[0], inst.MemBytes)}
		srcs = []Opnd{x86Arg(inst.Args[1], inst.MemBytes)}
	case x86asm.XCHG:
		op = OpXchg
		dsts = []Opnd{x86Arg(inst.Args[0], inst.MemBytes)}
		srcs = []Opnd{x86Arg(inst.Args[1], inst.MemBytes)}
	case x86asm.CALL:
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			op = OpCallDirect
			srcs = []Opnd{PCOpnd(pc + uint64(inst.Len) + uint64(int64(rel)))}
		} else {
			op = OpCallIndirect
			srcs = []Opnd{x86Arg(inst.Args[0], inst.MemBytes)}
		}
	case x86asm.JMP:
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			op = OpJmpDirect
			srcs = []Opnd{PCOpnd(pc + uint64(inst.Len) + uint64(int64(rel)))}
		} else {
			op = OpJmpIndirect
			srcs = []Opnd{x86Arg(inst.Args[0], inst.MemBytes)}
		}
	case x86asm.RET:
		op = OpRet
	default:
		for i, a := range inst.Args {
			if a == nil {
				break
			}
			o := x86Arg(a, inst.MemBytes)
			if i == 0 && o.IsMemoryReference() {
				dsts = append(dsts, o)
			} else {
				srcs = append(srcs, o)
			}
		}
	}
	return NewAppInstr(op, pc, inst.Len, dsts, srcs), nil
}

func x86Arg(a x86asm.Arg, memBytes int) Opnd {
	switch v := a.(type) {
	case x86asm.Reg:
		return RegOpnd(x86Reg(v))
	case x86asm.Imm:
		return ImmOpnd(int64(v))
	case x86asm.Mem:
		return MemIdxOpnd(x86Reg(v.Base), x86Reg(v.Index), uint8(v.Scale),
			int32(v.Disp), uint8(memBytes))
	}
	return NullOpnd()
}

func x86Reg(r x86asm.Reg) Reg {
	switch r {
	case x86asm.AL, x86asm.AX, x86asm.EAX, x86asm.RAX:
		return RegXAX
	case x86asm.BL, x86asm.BX, x86asm.EBX, x86asm.RBX:
		return RegXBX
	case x86asm.CL, x86asm.CX, x86asm.ECX, x86asm.RCX:
		return RegXCX
	case x86asm.DL, x86asm.DX, x86asm.EDX, x86asm.RDX:
		return RegXDX
	case x86asm.SI, x86asm.ESI, x86asm.RSI:
		return RegXSI
	case x86asm.DI, x86asm.EDI, x86asm.RDI:
		return RegXDI
	case x86asm.BP, x86asm.EBP, x86asm.RBP:
		return RegXBP
	case x86asm.SP, x86asm.ESP, x86asm.RSP:
		return RegXSP
	case x86asm.R8:
		return RegR8
	case x86asm.R9:
		return RegR9
	case x86asm.R10:
		return RegR10
	case x86asm.R11:
		return RegR11
	case x86asm.R12:
		return RegR12
	case x86asm.R13:
		return RegR13
	case x86asm.R14:
		return RegR14
	case x86asm.R15:
		return RegR15
	}
	return RegNull
}

// DecodeARM64 decodes one A64 instruction at pc from code.
func DecodeARM64(code []byte, pc uint64) (*Instr, error) {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return nil, fmt.Errorf("failed to decode arm64 at %#x: %v", pc, err)
	}
	var dsts, srcs []Opnd
	op := OpOther
	switch inst.Op {
	case arm64asm.ROR, arm64asm.EXTR:
		// ROR (immediate) is an EXTR alias; either spelling may decode.
		op = OpRol
		if r, ok := inst.Args[0].(arm64asm.Reg); ok {
			dsts = []Opnd{RegOpnd(arm64Reg(r))}
		}
		for _, a := range inst.Args[1:] {
			if imm, ok := a.(arm64asm.Imm); ok {
				srcs = []Opnd{ImmOpnd(int64(imm.Imm))}
			}
		}
	case arm64asm.BL:
		op = OpCallDirect
		if rel, ok := inst.Args[0].(arm64asm.PCRel); ok {
			srcs = []Opnd{PCOpnd(pc + uint64(int64(rel)))}
		}
	case arm64asm.RET:
		op = OpRet
	case arm64asm.STXR, arm64asm.STLXR:
		op = OpStoreExclusive
		for _, a := range inst.Args {
			if m, ok := a.(arm64asm.MemImmediate); ok {
				dsts = append(dsts, MemOpnd(arm64Reg(arm64asm.Reg(m.Base)), 0, 8))
			}
		}
	}
	return NewAppInstr(op, pc, 4, dsts, srcs), nil
}

func arm64Reg(r arm64asm.Reg) Reg {
	if r >= arm64asm.X0 && r <= arm64asm.X30 {
		return RegAArch64X0 + Reg(r-arm64asm.X0)
	}
	return RegNull
}
