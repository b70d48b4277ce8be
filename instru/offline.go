// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package instru // import "github.com/qinjuan/dynamorio/instru"

import (
	"fmt"
	"io"

	"github.com/qinjuan/dynamorio/host"
)

// WriteFileFunc is the replaceable write primitive offline mode uses for
// the module list, matching the tracer's file-operation contract.
type WriteFileFunc func(f io.Writer, b []byte) (int, error)

// Offline writes per-thread raw files for post-processing. Each file opens
// with a version header entry followed by the TID/PID pair appended by the
// thread lifecycle.
type Offline struct {
	emitter
	writeFile  WriteFileFunc
	moduleFile io.Writer
}

var _ Instru = (*Offline)(nil)

// NewOffline returns the offline strategy. moduleFile receives the module
// list; writeFile is the (possibly replaced) write primitive for it.
func NewOffline(writeFile WriteFileFunc, moduleFile io.Writer) *Offline {
	return &Offline{writeFile: writeFile, moduleFile: moduleFile}
}

func (o *Offline) SizeofEntry() int { return EntrySize }

// AppendThreadHeader writes the offline file header carrying FileVersion.
// The size field is always 8; it does not vary with the producer's pointer
// width.
func (o *Offline) AppendThreadHeader(buf []byte, tid int) int {
	return PutEntry(buf, TypeHeader, 8, FileVersion)
}

func (o *Offline) AppendUnitHeader(buf []byte, tid int) int {
	return PutEntry(buf, TypeThread, 0, uint64(tid))
}

func (o *Offline) AppendTID(buf []byte, tid int) int {
	return PutEntry(buf, TypeThread, 0, uint64(tid))
}

func (o *Offline) AppendPID(buf []byte, pid int) int {
	return PutEntry(buf, TypePid, 0, uint64(pid))
}

func (o *Offline) AppendThreadExit(buf []byte, tid int) int {
	n := PutEntry(buf, TypeThreadExit, 0, uint64(tid))
	return n + PutEntry(buf[n:], TypeFooter, 0, 0)
}

func (o *Offline) AppendIflush(buf []byte, addr, size uint64) int {
	n := PutEntry(buf, TypeInstrFlush, 0, addr)
	return n + PutEntry(buf[n:], TypeInstrFlush, 0, addr+size)
}

func (o *Offline) BBAnalysis(il *host.InstrList, field *any, repstr bool) {
	analyzeBlock(il, field, repstr)
}

func (o *Offline) InstrumentInstr(il *host.InstrList, where *host.Instr, field *any,
	regPtr, regTmp host.Reg, adjust int, app *host.Instr) int {
	return o.instrumentInstrEntry(il, where, regPtr, regTmp, adjust, app, TypeInstr)
}

func (o *Offline) InstrumentMemref(il *host.InstrList, where *host.Instr,
	regPtr, regTmp host.Reg, adjust int, app *host.Instr,
	ref host.Opnd, write bool, pred host.Pred) int {
	t := TypeRead
	if write {
		t = TypeWrite
	}
	return o.instrumentMemrefEntry(il, where, regPtr, regTmp, adjust, ref, t)
}

func (o *Offline) InstrumentIBundle(il *host.InstrList, where *host.Instr,
	regPtr, regTmp host.Reg, adjust int, delay []*host.Instr) int {
	return o.instrumentIBundle(il, where, regPtr, regTmp, adjust, delay)
}

// WriteModule appends one module record to the module list. The list is a
// text sidecar the post-processor joins instruction PCs against.
func (o *Offline) WriteModule(index int, m *host.ModuleData) error {
	if o.moduleFile == nil {
		return nil
	}
	line := fmt.Sprintf("%d, %#x, %#x, %s\n", index, m.Start, m.End, m.Path)
	n, err := o.writeFile(o.moduleFile, []byte(line))
	if err != nil {
		return err
	}
	if n < len(line) {
		return fmt.Errorf("short write to module list: %d < %d", n, len(line))
	}
	return nil
}
