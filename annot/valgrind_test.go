// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package annot

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qinjuan/dynamorio/host"
	"github.com/qinjuan/dynamorio/testsupport"
)

// encodeRequest lays out a client-request block the way the application's
// annotation macros do.
func encodeRequest(req VgClientRequest) []byte {
	buf := make([]byte, (vgNumArgs+2)*8)
	binary.LittleEndian.PutUint64(buf[0:], req.Request)
	for i, a := range req.Args {
		binary.LittleEndian.PutUint64(buf[8*(1+i):], a)
	}
	binary.LittleEndian.PutUint64(buf[8*(vgNumArgs+1):], req.DefaultResult)
	return buf
}

func TestHandleVgAnnotationDispatch(t *testing.T) {
	r, rt := newTestRegistry(host.AMD64Arch())
	ctx := rt.NewThread(7)

	const blockAddr = 0x5000
	rt.Memory[blockAddr] = encodeRequest(VgClientRequest{
		Request:       vgUserreqMakeMemDefinedIfAddressable,
		Args:          [vgNumArgs]uint64{0x1000, 64},
		DefaultResult: 7,
	})

	var got *VgClientRequest
	r.RegisterValgrind(VgIDMakeMemDefinedIfAddressable,
		func(req *VgClientRequest) uint64 {
			got = req
			return 42
		})

	r.handleVgAnnotation(ctx, []uint64{blockAddr})

	require.NotNil(t, got)
	assert.Equal(t, uint64(0x1000), got.Args[0])
	assert.Equal(t, uint64(64), got.Args[1])
	assert.Equal(t, uint64(42), ctx.MContext().Get(host.RegXBX))
}

func TestHandleVgAnnotationUnknownRequest(t *testing.T) {
	r, rt := newTestRegistry(host.AMD64Arch())
	ctx := rt.NewThread(7)

	const blockAddr = 0x6000
	rt.Memory[blockAddr] = encodeRequest(VgClientRequest{
		Request:       0xdeadbeef,
		DefaultResult: 17,
	})
	r.RegisterValgrind(VgIDMakeMemDefinedIfAddressable,
		func(*VgClientRequest) uint64 { return 42 })

	r.handleVgAnnotation(ctx, []uint64{blockAddr})

	// Unknown requests fall back to the block's default result.
	assert.Equal(t, uint64(17), ctx.MContext().Get(host.RegXBX))
}

func TestHandleVgAnnotationNoHandler(t *testing.T) {
	r, rt := newTestRegistry(host.AMD64Arch())
	ctx := rt.NewThread(7)

	const blockAddr = 0x7000
	rt.Memory[blockAddr] = encodeRequest(VgClientRequest{
		Request:       vgUserreqMakeMemDefinedIfAddressable,
		DefaultResult: 23,
	})

	r.handleVgAnnotation(ctx, []uint64{blockAddr})
	assert.Equal(t, uint64(23), ctx.MContext().Get(host.RegXBX))
}

func TestHandleVgAnnotationUnreadableBlock(t *testing.T) {
	r, rt := newTestRegistry(host.AMD64Arch())
	ctx := rt.NewThread(7)
	ctx.MContext().Set(host.RegXBX, 0x1111)

	// No memory mapped at the pointer: silently return, XBX untouched.
	r.handleVgAnnotation(ctx, []uint64{0xbad0000})
	assert.Equal(t, uint64(0x1111), ctx.MContext().Get(host.RegXBX))
}

func TestMatchedPatternDispatchesEndToEnd(t *testing.T) {
	arch := host.AMD64Arch()
	r, rt := newTestRegistry(arch)
	ctx := rt.NewThread(9)

	const blockAddr = 0x9000
	rt.Memory[blockAddr] = encodeRequest(VgClientRequest{
		Request:       vgUserreqMakeMemDefinedIfAddressable,
		DefaultResult: 1,
	})
	r.RegisterValgrind(VgIDMakeMemDefinedIfAddressable,
		func(*VgClientRequest) uint64 { return 99 })

	bb, xchg := buildVgBlock(arch, arch.RolImmeds)
	require.True(t, r.MatchValgrindPattern(bb, xchg))

	// The application reached the rewritten block with the argument-block
	// pointer in XAX; the trampoline passes it through.
	calls := testsupport.CleanCalls(bb)
	require.Len(t, calls, 1)
	calls[0].Fn(ctx, []uint64{blockAddr})

	assert.Equal(t, uint64(99), ctx.MContext().Get(host.RegXBX))
}
