// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package instru

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qinjuan/dynamorio/host"
)

func TestEntryCodec(t *testing.T) {
	buf := make([]byte, EntrySize)
	n := PutEntry(buf, TypeWrite, 8, 0xdeadbeef0)
	require.Equal(t, EntrySize, n)

	assert.Equal(t, TypeWrite, EntryType(buf))
	assert.Equal(t, uint16(8), EntryLen(buf))
	assert.Equal(t, uint64(0xdeadbeef0), EntryAddr(buf))

	SetEntryAddr(buf, 0x1234)
	assert.Equal(t, uint64(0x1234), EntryAddr(buf))
	assert.Equal(t, TypeWrite, EntryType(buf))
}

func TestIsDataRef(t *testing.T) {
	assert.True(t, IsDataRef(TypeRead))
	assert.True(t, IsDataRef(TypeWrite))
	assert.True(t, IsDataRef(TypePrefetch))
	assert.False(t, IsDataRef(TypeInstr))
	assert.False(t, IsDataRef(TypeThread))
}

func TestIsInstrFetch(t *testing.T) {
	for _, ty := range []Type{TypeInstr, TypeInstrDirectJump, TypeInstrReturn} {
		assert.True(t, IsInstrFetch(ty), "type %d", ty)
	}
	assert.False(t, IsInstrFetch(TypeRead))
	assert.False(t, IsInstrFetch(TypeInstrBundle))
	assert.False(t, IsInstrFetch(TypeThread))
}

func TestInstrToInstrType(t *testing.T) {
	cases := map[host.Opcode]Type{
		host.OpJmpDirect:    TypeInstrDirectJump,
		host.OpJmpIndirect:  TypeInstrIndirectJump,
		host.OpJcc:          TypeInstrConditionalJump,
		host.OpCallDirect:   TypeInstrDirectCall,
		host.OpCallIndirect: TypeInstrIndirectCall,
		host.OpRet:          TypeInstrReturn,
		host.OpOther:        TypeInstr,
	}
	for op, want := range cases {
		in := host.NewAppInstr(op, 0x1000, 2, nil, nil)
		assert.Equal(t, want, InstrToInstrType(in), "opcode %d", op)
	}
}

func TestOnlineHeaders(t *testing.T) {
	o := NewOnline(false)
	buf := make([]byte, 4*EntrySize)

	n := o.AppendThreadHeader(buf, 7)
	require.Equal(t, EntrySize, n)
	assert.Equal(t, TypeThread, EntryType(buf))
	assert.Equal(t, uint64(7), EntryAddr(buf))

	n = o.AppendThreadExit(buf, 7)
	require.Equal(t, EntrySize, n)
	assert.Equal(t, TypeThreadExit, EntryType(buf))
}

func TestOfflineHeaders(t *testing.T) {
	o := NewOffline(nil, nil)
	buf := make([]byte, 4*EntrySize)

	n := o.AppendThreadHeader(buf, 7)
	require.Equal(t, EntrySize, n)
	assert.Equal(t, TypeHeader, EntryType(buf))
	assert.Equal(t, uint64(FileVersion), EntryAddr(buf))

	// Offline thread exit carries the file footer.
	n = o.AppendThreadExit(buf, 7)
	require.Equal(t, 2*EntrySize, n)
	assert.Equal(t, TypeThreadExit, EntryType(buf))
	assert.Equal(t, TypeFooter, EntryType(buf[EntrySize:]))
}

func TestBundlePacksLengths(t *testing.T) {
	o := NewOnline(false)
	il := host.NewInstrList(0x1000)
	where := host.NewLabel()
	il.Append(where)

	delay := []*host.Instr{
		host.NewAppInstr(host.OpOther, 0x1000, 3, nil, nil),
		host.NewAppInstr(host.OpOther, 0x1003, 5, nil, nil),
		host.NewAppInstr(host.OpOther, 0x1008, 2, nil, nil),
	}
	adjust := o.InstrumentIBundle(il, where, host.RegXCX, host.RegXDX, 0, delay)
	assert.Equal(t, EntrySize, adjust)

	// One packed-header move and one lengths move feed the two stores.
	var imms []int64
	for in := il.First(); in != nil; in = in.Next() {
		if in.Op == host.OpMovImm {
			imms = append(imms, in.Src(0).ImmedInt())
		}
	}
	require.Len(t, imms, 2)
	assert.Equal(t, int64(uint32(TypeInstrBundle)|3<<16), imms[0])
	assert.Equal(t, int64(3|5<<8|2<<16), imms[1])
}

func TestBundleChunksAtCapacity(t *testing.T) {
	o := NewOnline(false)
	il := host.NewInstrList(0x1000)
	where := host.NewLabel()
	il.Append(where)

	delay := make([]*host.Instr, BundleMaxInstrs+2)
	for i := range delay {
		delay[i] = host.NewAppInstr(host.OpOther, uint64(0x1000+3*i), 3, nil, nil)
	}
	adjust := o.InstrumentIBundle(il, where, host.RegXCX, host.RegXDX, 0, delay)
	assert.Equal(t, 2*EntrySize, adjust)
}

func TestObtainAddrShapes(t *testing.T) {
	o := NewOnline(false)
	il := host.NewInstrList(0x1000)
	where := host.NewLabel()
	il.Append(where)

	// base + index*scale + disp
	ref := host.MemIdxOpnd(host.RegXSI, host.RegXDX, 4, 16, 8)
	o.InsertObtainAddr(il, where, host.RegXCX, host.RegXAX, ref)

	var ops []host.Opcode
	for in := il.First(); in != where; in = in.Next() {
		ops = append(ops, in.Op)
	}
	assert.Equal(t, []host.Opcode{host.OpMove, host.OpAddScaled, host.OpAdd}, ops)
}

func TestWriteModule(t *testing.T) {
	var sink bytes.Buffer
	o := NewOffline(func(f io.Writer, b []byte) (int, error) { return f.Write(b) }, &sink)

	m := &host.ModuleData{Path: "/lib/libfoo.so", Start: 0x1000, End: 0x2000}
	require.NoError(t, o.WriteModule(0, m))
	assert.Equal(t, "0, 0x1000, 0x2000, /lib/libfoo.so\n", sink.String())
}
