// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

// Package instru owns the trace-entry wire format and the instrumentation
// strategies that fill buffers with it. The tracer treats entries as opaque
// fixed-size records and only inspects type and address through the
// accessors here.
//
// An entry is 12 bytes, little-endian:
//
//	type uint16 | size uint16 | addr uint64
//
// For instruction-fetch entries size is the encoded instruction length; for
// data entries it is the access size; for bundles it is the number of
// bundled instructions whose lengths are packed into the addr bytes.
package instru // import "github.com/qinjuan/dynamorio/instru"

import (
	"encoding/binary"

	"github.com/qinjuan/dynamorio/host"
)

// Type tags a trace entry.
type Type uint16

const (
	TypeRead Type = iota
	TypeWrite
	TypePrefetch
	TypeInstr
	TypeInstrDirectJump
	TypeInstrIndirectJump
	TypeInstrConditionalJump
	TypeInstrDirectCall
	TypeInstrIndirectCall
	TypeInstrReturn
	TypeInstrBundle
	TypeInstrFlush
	TypeThread
	TypeThreadExit
	TypePid
	TypeHeader
	TypeFooter
)

// EntrySize is the fixed size of one record.
const EntrySize = 12

// FileVersion tags offline file headers.
const FileVersion = 1

// BundleMaxInstrs is how many instruction lengths fit in one bundle entry's
// addr bytes.
const BundleMaxInstrs = 8

// IsDataRef reports whether t is a data-reference type whose address is
// subject to virtual-to-physical rewriting.
func IsDataRef(t Type) bool {
	return t == TypeRead || t == TypeWrite || t == TypePrefetch
}

// IsInstrFetch reports whether t is an instruction-fetch type. Pipe writes
// may only be split immediately before one of these.
func IsInstrFetch(t Type) bool {
	return t >= TypeInstr && t <= TypeInstrReturn
}

// PutEntry encodes one record at the start of b and returns EntrySize.
func PutEntry(b []byte, t Type, size uint16, addr uint64) int {
	binary.LittleEndian.PutUint16(b[0:2], uint16(t))
	binary.LittleEndian.PutUint16(b[2:4], size)
	binary.LittleEndian.PutUint64(b[4:12], addr)
	return EntrySize
}

// EntryType returns the type of the record at the start of b.
func EntryType(b []byte) Type {
	return Type(binary.LittleEndian.Uint16(b[0:2]))
}

// EntryLen returns the record's size field.
func EntryLen(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b[2:4])
}

// EntryAddr returns the record's address field.
func EntryAddr(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b[4:12])
}

// SetEntryAddr overwrites the record's address field in place.
func SetEntryAddr(b []byte, addr uint64) {
	binary.LittleEndian.PutUint64(b[4:12], addr)
}

// InstrToInstrType classifies an application instruction for online traces
// that separate instruction types.
func InstrToInstrType(in *host.Instr) Type {
	switch in.Op {
	case host.OpJmpDirect:
		return TypeInstrDirectJump
	case host.OpJmpIndirect:
		return TypeInstrIndirectJump
	case host.OpJcc:
		return TypeInstrConditionalJump
	case host.OpCallDirect:
		return TypeInstrDirectCall
	case host.OpCallIndirect:
		return TypeInstrIndirectCall
	case host.OpRet:
		return TypeInstrReturn
	}
	return TypeInstr
}

// Instru is the instrumentation strategy: how entries are appended to
// buffers from clean-call context and how inline code that writes them is
// emitted into basic blocks. Online and Offline implement it; the choice is
// made once at process init.
type Instru interface {
	SizeofEntry() int

	// AppendThreadHeader writes the once-per-thread file or registration
	// header at the start of buf and returns its size.
	AppendThreadHeader(buf []byte, tid int) int
	// AppendUnitHeader writes the per-drain unit header carrying tid.
	AppendUnitHeader(buf []byte, tid int) int
	AppendTID(buf []byte, tid int) int
	AppendPID(buf []byte, pid int) int
	AppendThreadExit(buf []byte, tid int) int
	AppendIflush(buf []byte, addr, size uint64) int

	// BBAnalysis runs once per block before per-instruction work; field is
	// the per-block slot reserved for this strategy.
	BBAnalysis(il *host.InstrList, field *any, repstr bool)

	// InstrumentInstr emits inline code writing an instruction-fetch entry
	// for app at [regPtr+adjust] and returns the new adjust.
	InstrumentInstr(il *host.InstrList, where *host.Instr, field *any,
		regPtr, regTmp host.Reg, adjust int, app *host.Instr) int
	// InstrumentMemref emits inline code writing a data entry for ref.
	InstrumentMemref(il *host.InstrList, where *host.Instr,
		regPtr, regTmp host.Reg, adjust int, app *host.Instr,
		ref host.Opnd, write bool, pred host.Pred) int
	// InstrumentIBundle emits bundle entries covering delayed instructions.
	InstrumentIBundle(il *host.InstrList, where *host.Instr,
		regPtr, regTmp host.Reg, adjust int, delay []*host.Instr) int

	// InsertObtainAddr emits code computing ref's effective address into
	// regAddr, clobbering regScratch.
	InsertObtainAddr(il *host.InstrList, where *host.Instr,
		regAddr, regScratch host.Reg, ref host.Opnd)
}

// emitter carries the pieces shared by both strategies.
type emitter struct{}

// insertInlineEntry emits the two stores that materialize one record at
// [regPtr+adjust]: the packed type|size word, then the address.
func (emitter) insertInlineEntry(il *host.InstrList, where *host.Instr,
	regPtr, regTmp host.Reg, adjust int, t Type, size uint16) {
	packed := int64(uint32(t) | uint32(size)<<16)
	il.InsertBefore(where, host.NewMovImm(regTmp, packed))
	il.InsertBefore(where, host.NewStore(
		host.MemOpnd(regPtr, int32(adjust), 4), host.RegOpnd(regTmp)))
}

// insertAddrStore emits the store of regTmp into the record's addr field.
func (emitter) insertAddrStore(il *host.InstrList, where *host.Instr,
	regPtr, regTmp host.Reg, adjust int) {
	il.InsertBefore(where, host.NewStore(
		host.MemOpnd(regPtr, int32(adjust)+4, 8), host.RegOpnd(regTmp)))
}

// InsertObtainAddr computes ref's effective address into regAddr. The
// common base+disp shape takes a move and an add; a scaled index adds one
// more scaled add into regAddr. The scratch register is left untouched.
func (emitter) InsertObtainAddr(il *host.InstrList, where *host.Instr,
	regAddr host.Reg, _ host.Reg, ref host.Opnd) {
	if ref.Base == host.RegNull {
		il.InsertBefore(where, host.NewMovImm(regAddr, int64(ref.Disp)))
		return
	}
	il.InsertBefore(where, host.NewMove(regAddr, ref.Base))
	if ref.Index != host.RegNull {
		shift := uint8(0)
		for s := ref.Scale; s > 1; s >>= 1 {
			shift++
		}
		il.InsertBefore(where, host.NewAddScaled(regAddr, regAddr, ref.Index, shift))
	}
	if ref.Disp != 0 {
		il.InsertBefore(where, host.NewAddImm(regAddr, int64(ref.Disp)))
	}
}

// instrumentInstrEntry is the shared instruction-entry emission with the
// strategy-selected type.
func (e emitter) instrumentInstrEntry(il *host.InstrList, where *host.Instr,
	regPtr, regTmp host.Reg, adjust int, app *host.Instr, t Type) int {
	e.insertInlineEntry(il, where, regPtr, regTmp, adjust, t, uint16(app.Length()))
	il.InsertBefore(where, host.NewMovImm(regTmp, int64(app.AppPC())))
	e.insertAddrStore(il, where, regPtr, regTmp, adjust)
	return adjust + EntrySize
}

// instrumentMemrefEntry is the shared data-entry emission.
func (e emitter) instrumentMemrefEntry(il *host.InstrList, where *host.Instr,
	regPtr, regTmp host.Reg, adjust int, ref host.Opnd, t Type) int {
	e.insertInlineEntry(il, where, regPtr, regTmp, adjust, t, uint16(ref.Size))
	e.InsertObtainAddr(il, where, regTmp, host.RegNull, ref)
	e.insertAddrStore(il, where, regPtr, regTmp, adjust)
	return adjust + EntrySize
}

// instrumentIBundle emits bundle entries in chunks of BundleMaxInstrs, the
// instruction lengths packed into the addr bytes.
func (e emitter) instrumentIBundle(il *host.InstrList, where *host.Instr,
	regPtr, regTmp host.Reg, adjust int, delay []*host.Instr) int {
	for len(delay) > 0 {
		n := len(delay)
		if n > BundleMaxInstrs {
			n = BundleMaxInstrs
		}
		var packed uint64
		for i := 0; i < n; i++ {
			packed |= uint64(uint8(delay[i].Length())) << (8 * i)
		}
		e.insertInlineEntry(il, where, regPtr, regTmp, adjust, TypeInstrBundle, uint16(n))
		il.InsertBefore(where, host.NewMovImm(regTmp, int64(packed)))
		e.insertAddrStore(il, where, regPtr, regTmp, adjust)
		adjust += EntrySize
		delay = delay[n:]
	}
	return adjust
}
