// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package annot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qinjuan/dynamorio/host"
	"github.com/qinjuan/dynamorio/testsupport"
)

func newTestRegistry(arch *host.Arch) (*Registry, *testsupport.FakeRuntime) {
	rt := testsupport.NewFakeRuntime(arch)
	return NewRegistry(rt), rt
}

func TestRegisterReturnIdempotent(t *testing.T) {
	r, _ := newTestRegistry(host.AMD64Arch())

	r.RegisterReturn(0x400100, 1)
	r.RegisterReturn(0x400100, 99)

	h := r.Lookup(0x400100)
	require.NotNil(t, h)
	assert.Equal(t, HandlerReturnValue, h.Kind)
	assert.Equal(t, uint64(1), h.ReturnValue)
}

func TestRegisterCallIdempotent(t *testing.T) {
	r, _ := newTestRegistry(host.AMD64Arch())

	var hits []int
	r.RegisterCall(0x400200, func(host.Context, []uint64) { hits = append(hits, 1) }, false)
	r.RegisterCall(0x400200, func(host.Context, []uint64) { hits = append(hits, 2) }, true)

	h := r.Lookup(0x400200)
	require.NotNil(t, h)
	assert.Equal(t, HandlerCall, h.Kind)
	assert.False(t, h.SaveFPState)
	h.Callback(nil, nil)
	assert.Equal(t, []int{1}, hits)
}

func TestSweepRange(t *testing.T) {
	r, _ := newTestRegistry(host.AMD64Arch())

	for _, pc := range []uint64{0x1000, 0x2000, 0x3000} {
		r.RegisterCall(pc, func(host.Context, []uint64) {}, false)
	}

	r.SweepRange(0x1500, 0x2500)

	assert.NotNil(t, r.Lookup(0x1000))
	assert.Nil(t, r.Lookup(0x2000))
	assert.NotNil(t, r.Lookup(0x3000))
}

func TestSweepRangeBoundsExclusive(t *testing.T) {
	r, _ := newTestRegistry(host.AMD64Arch())

	r.RegisterReturn(0x1000, 1)
	r.RegisterReturn(0x2000, 1)

	r.SweepRange(0x1000, 0x2000)

	assert.NotNil(t, r.Lookup(0x1000))
	assert.NotNil(t, r.Lookup(0x2000))
}

func TestSweepReusesArenaNodes(t *testing.T) {
	r, _ := newTestRegistry(host.AMD64Arch())

	r.RegisterReturn(0x1000, 1)
	r.SweepRange(0xfff, 0x1001)
	require.Nil(t, r.Lookup(0x1000))

	r.RegisterReturn(0x5000, 7)
	h := r.Lookup(0x5000)
	require.NotNil(t, h)
	assert.Equal(t, uint64(7), h.ReturnValue)
	assert.Len(t, r.free, 0)
}

func TestRegisterValgrindOutOfRange(t *testing.T) {
	r, _ := newTestRegistry(host.AMD64Arch())

	// Silently dropped, no panic.
	r.RegisterValgrind(VgIDLast, func(*VgClientRequest) uint64 { return 1 })
	r.RegisterValgrind(VgRequestID(-1), func(*VgClientRequest) uint64 { return 1 })
}

func TestRegisterValgrindKeepsFirst(t *testing.T) {
	r, _ := newTestRegistry(host.AMD64Arch())

	r.RegisterValgrind(VgIDMakeMemDefinedIfAddressable,
		func(*VgClientRequest) uint64 { return 11 })
	r.RegisterValgrind(VgIDMakeMemDefinedIfAddressable,
		func(*VgClientRequest) uint64 { return 22 })

	r.mu.RLock()
	idx := r.vg[VgIDMakeMemDefinedIfAddressable]
	cb := r.nodes[idx].VgCallback
	r.mu.RUnlock()
	assert.Equal(t, uint64(11), cb(nil))
}

func TestModuleLoadRegistersRunningProbe(t *testing.T) {
	r, rt := newTestRegistry(host.AMD64Arch())
	ctx := rt.NewThread(1)

	mod := &host.ModuleData{
		Path:  "/usr/lib/libclient.so",
		Start: 0x7f0000000000,
		End:   0x7f0000100000,
		Exports: map[string]uint64{
			runningOnProbe: 0x7f0000001230,
		},
	}
	rt.LoadModule(ctx, mod)

	h := r.Lookup(0x7f0000001230)
	require.NotNil(t, h)
	assert.Equal(t, HandlerReturnValue, h.Kind)
	assert.Equal(t, uint64(1), h.ReturnValue)

	rt.UnloadModule(ctx, mod)
	assert.Nil(t, r.Lookup(0x7f0000001230))
}
