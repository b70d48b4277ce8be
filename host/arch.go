// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package host // import "github.com/qinjuan/dynamorio/host"

// Arch describes the properties of a target architecture the core needs:
// register roles, inline-branch constraints and the Valgrind annotation
// signature. Keeping these as data rather than build tags lets every
// architecture's pattern matching be exercised on any development machine.
type Arch struct {
	Name    string
	PtrSize int

	// Register roles referenced by the annotation protocol. XAX carries the
	// Valgrind argument-block pointer, XBX the result, XDI the rotate
	// destination in the preamble.
	XAX Reg
	XBX Reg
	XCX Reg
	XDX Reg
	XDI Reg

	// RolImmeds is the rotate-immediate signature of the Valgrind client
	// request preamble, in program order.
	RolImmeds [4]int64

	// PredicatedExec is set when the ISA has general predicated execution
	// and partially-executed inline sequences must flush pending buffer
	// adjustments (ARM).
	PredicatedExec bool

	// ScratchPtrMax bounds the first scratch register when nonzero: on ARM
	// the buffer-pointer scratch must be r0..r7 so cbnz can encode it.
	ScratchPtrMax Reg
	// ScratchPtrFixed pins the first scratch register when nonzero: on x86
	// it must be XCX so the redzone check can use jecxz.
	ScratchPtrFixed Reg

	// HasExclusiveStores is set for ARM/AArch64 where store-exclusive
	// instrumentation is deferred past the store.
	HasExclusiveStores bool
}

// AMD64Arch returns the descriptor for x86-64.
func AMD64Arch() *Arch {
	return &Arch{
		Name:            "amd64",
		PtrSize:         8,
		XAX:             RegXAX,
		XBX:             RegXBX,
		XCX:             RegXCX,
		XDX:             RegXDX,
		XDI:             RegXDI,
		RolImmeds:       [4]int64{3, 13, 61, 51},
		ScratchPtrFixed: RegXCX,
	}
}

// X86Arch returns the descriptor for 32-bit x86.
func X86Arch() *Arch {
	return &Arch{
		Name:            "386",
		PtrSize:         4,
		XAX:             RegXAX,
		XBX:             RegXBX,
		XCX:             RegXCX,
		XDX:             RegXDX,
		XDI:             RegXDI,
		RolImmeds:       [4]int64{3, 13, 29, 19},
		ScratchPtrFixed: RegXCX,
	}
}

// ARMArch returns the descriptor for 32-bit ARM. The annotation protocol
// maps XAX..XDI onto r0..r4 the way the Valgrind headers do.
func ARMArch() *Arch {
	return &Arch{
		Name:               "arm",
		PtrSize:            4,
		XAX:                RegARMR0,
		XBX:                RegARMR1,
		XCX:                RegARMR2,
		XDX:                RegARMR3,
		XDI:                RegARMR4,
		RolImmeds:          [4]int64{3, 13, 29, 19},
		PredicatedExec:     true,
		ScratchPtrMax:      RegARMR7,
		HasExclusiveStores: true,
	}
}

// ARM64Arch returns the descriptor for AArch64.
func ARM64Arch() *Arch {
	return &Arch{
		Name:               "arm64",
		PtrSize:            8,
		XAX:                RegAArch64X0,
		XBX:                RegAArch64X1,
		XCX:                RegAArch64X2,
		XDX:                RegAArch64X3,
		XDI:                RegAArch64X4,
		RolImmeds:          [4]int64{3, 13, 61, 51},
		HasExclusiveStores: true,
	}
}

// IsX86 reports whether the architecture is an x86 flavor.
func (a *Arch) IsX86() bool { return a.ScratchPtrFixed == RegXCX }
