// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

// Package host declares the contracts the tracing core expects from the
// hosting DBI runtime: the decoded-instruction model, basic-block editing
// primitives, instruction construction helpers, and the runtime services
// (clean calls, scratch registers, raw TLS, safe memory reads, machine
// context and event registration).
//
// The host runtime itself is an external collaborator. The core never
// executes the instructions it builds; it only splices them into basic
// blocks handed to it by the runtime.
package host // import "github.com/qinjuan/dynamorio/host"

// Reg identifies a general-purpose register. Register numbering is shared
// across architectures; the Arch descriptor maps the roles (XAX, XBX, ...)
// the core cares about onto concrete registers.
type Reg uint16

// RegNull marks the absence of a register.
const RegNull Reg = 0

// x86 registers (both 32- and 64-bit widths; the X prefix follows the
// width-neutral naming used by the annotation protocol).
const (
	RegXAX Reg = iota + 1
	RegXBX
	RegXCX
	RegXDX
	RegXSI
	RegXDI
	RegXBP
	RegXSP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// ARM (A32/T32) registers.
const (
	RegARMR0 Reg = iota + 32
	RegARMR1
	RegARMR2
	RegARMR3
	RegARMR4
	RegARMR5
	RegARMR6
	RegARMR7
	RegARMR8
	RegARMR9
	RegARMR10
	RegARMR11
	RegARMR12
	RegARMSP
	RegARMLR
	RegARMPC
)

// AArch64 registers X0..X30.
const (
	RegAArch64X0 Reg = iota + 64
	RegAArch64X1
	RegAArch64X2
	RegAArch64X3
	RegAArch64X4
	RegAArch64X5
	RegAArch64X6
	RegAArch64X7
	RegAArch64X8
	RegAArch64X9
	RegAArch64X10
	RegAArch64X11
	RegAArch64X12
	RegAArch64X13
	RegAArch64X14
	RegAArch64X15
	RegAArch64X16
	RegAArch64X17
	RegAArch64X18
	RegAArch64X19
	RegAArch64X20
	RegAArch64X21
	RegAArch64X22
	RegAArch64X23
	RegAArch64X24
	RegAArch64X25
	RegAArch64X26
	RegAArch64X27
	RegAArch64X28
	RegAArch64X29
	RegAArch64X30
)

// regCount bounds the register name space, for dense per-register tables.
const regCount = 96

// Pred is an instruction predicate. Only ARM has general predicated
// execution; PredNone/PredAL/PredOp are the "not really conditional" values.
type Pred uint8

const (
	PredNone Pred = iota
	PredAL        // always
	PredOp        // opcode-implied, not a real condition
	PredEQ
	PredNE
	PredCS
	PredCC
	PredMI
	PredPL
	PredVS
	PredVC
	PredHI
	PredLS
	PredGE
	PredLT
	PredGT
	PredLE
)

// IsTrulyConditional reports whether p makes execution of the instruction
// depend on flags. PredNone, PredAL and PredOp do not.
func (p Pred) IsTrulyConditional() bool {
	return p != PredNone && p != PredAL && p != PredOp
}

// Invert returns the inverse condition. Only meaningful for truly
// conditional predicates.
func (p Pred) Invert() Pred {
	switch p {
	case PredEQ:
		return PredNE
	case PredNE:
		return PredEQ
	case PredCS:
		return PredCC
	case PredCC:
		return PredCS
	case PredMI:
		return PredPL
	case PredPL:
		return PredMI
	case PredVS:
		return PredVC
	case PredVC:
		return PredVS
	case PredHI:
		return PredLS
	case PredLS:
		return PredHI
	case PredGE:
		return PredLT
	case PredLT:
		return PredGE
	case PredGT:
		return PredLE
	case PredLE:
		return PredGT
	}
	return p
}

// ISAMode distinguishes sub-modes of an architecture that change which
// branch shapes are available to inline instrumentation.
type ISAMode uint8

const (
	ISAModeDefault ISAMode = iota
	ISAModeARMThumb
	ISAModeARMA32
)
