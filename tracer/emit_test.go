// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qinjuan/dynamorio/config"
	"github.com/qinjuan/dynamorio/host"
	"github.com/qinjuan/dynamorio/instru"
	"github.com/qinjuan/dynamorio/testsupport"
)

func plainInstr(pc uint64) *host.Instr {
	return host.NewAppInstr(host.OpOther, pc, 3, nil, nil)
}

func loadInstr(pc uint64, base host.Reg) *host.Instr {
	return host.NewAppInstr(host.OpOther, pc, 3,
		[]host.Opnd{host.RegOpnd(host.RegXAX)},
		[]host.Opnd{host.MemOpnd(base, 8, 4)})
}

func storeInstr(pc uint64, base host.Reg) *host.Instr {
	return host.NewAppInstr(host.OpOther, pc, 3,
		[]host.Opnd{host.MemOpnd(base, 0, 8)},
		[]host.Opnd{host.RegOpnd(host.RegXDX)})
}

func buildBlock(instrs ...*host.Instr) *host.InstrList {
	il := host.NewInstrList(instrs[0].AppPC())
	for _, in := range instrs {
		il.Append(in)
	}
	return il
}

// packedEntryTypes scans the inline code for entry-header materializations:
// a pointer-immediate move followed by a 4-byte store is the packed
// type|size word of one record.
func packedEntryTypes(il *host.InstrList) []instru.Type {
	var types []instru.Type
	for in := il.First(); in != nil; in = in.Next() {
		if in.Op != host.OpMovImm || in.Next() == nil {
			continue
		}
		next := in.Next()
		if next.Op == host.OpStore && next.Dst(0).Kind == host.OpndMem &&
			next.Dst(0).Size == 4 {
			types = append(types, instru.Type(uint64(in.Src(0).ImmedInt())&0xffff))
		}
	}
	return types
}

// movImmValues collects every pointer-immediate the inline code loads.
func movImmValues(il *host.InstrList) map[int64]bool {
	vals := make(map[int64]bool)
	for in := il.First(); in != nil; in = in.Next() {
		if in.Op == host.OpMovImm {
			vals[in.Src(0).ImmedInt()] = true
		}
	}
	return vals
}

func countOp(il *host.InstrList, op host.Opcode) int {
	n := 0
	for in := il.First(); in != nil; in = in.Next() {
		if in.Op == op {
			n++
		}
	}
	return n
}

func TestEmitPlainBlockBundlesDelayedInstrs(t *testing.T) {
	_, rt, _ := newOfflineTracer(t, nil)
	ctx := rt.NewThread(11)

	il := buildBlock(
		plainInstr(0x1000), plainInstr(0x1003), plainInstr(0x1006),
		plainInstr(0x1009), plainInstr(0x100c))
	rt.RunBB(ctx, il)

	types := packedEntryTypes(il)
	// Full entries: block start, first delayed, and the last instruction;
	// one bundle covers the remaining delayed pair.
	assert.Equal(t, []instru.Type{
		instru.TypeInstr, instru.TypeInstr, instru.TypeInstrBundle, instru.TypeInstr,
	}, types)

	// Exactly one redzone-triggered drain call per block.
	calls := testsupport.CleanCalls(il)
	require.Len(t, calls, 1)

	// Scratch registers balance out.
	assert.Equal(t, rt.ReserveCount, rt.UnreserveCount)
	assert.Equal(t, rt.AflagsReserved, rt.AflagsUnreserved)
}

func TestEmitMemrefEntries(t *testing.T) {
	_, rt, _ := newOfflineTracer(t, nil)
	ctx := rt.NewThread(11)

	il := buildBlock(loadInstr(0x2000, host.RegXSI), storeInstr(0x2003, host.RegXBP))
	rt.RunBB(ctx, il)

	types := packedEntryTypes(il)
	assert.Equal(t, []instru.Type{
		instru.TypeInstr, instru.TypeRead, instru.TypeInstr, instru.TypeWrite,
	}, types)
}

func TestEmitRedzoneCheckX86(t *testing.T) {
	_, rt, _ := newOfflineTracer(t, nil)
	ctx := rt.NewThread(11)

	il := buildBlock(plainInstr(0x3000))
	rt.RunBB(ctx, il)

	// jecxz reaches over the out-of-line clean call to the skip label.
	require.Equal(t, 1, countOp(il, host.OpJecxz))
	var jecxz *host.Instr
	for in := il.First(); in != nil; in = in.Next() {
		if in.Op == host.OpJecxz {
			jecxz = in
			break
		}
	}
	skip := jecxz.Src(0).Target
	seenCall := false
	for in := jecxz.Next(); in != nil; in = in.Next() {
		if in.Op == host.OpCleanCall {
			seenCall = true
		}
		if in == skip {
			break
		}
	}
	assert.True(t, seenCall, "skip label must sit after the clean call")
}

func TestEmitRedzoneCheckProfilePCsStub(t *testing.T) {
	rt := testsupport.NewFakeRuntime(host.AMD64Arch())
	rt.Options["profile_pcs"] = 1
	cfg := config.Default()
	cfg.Offline = true
	cfg.OutDir = "/trace-out"
	tr, err := New(rt, cfg)
	require.NoError(t, err)
	tr.ReplaceFileOps(newMemFS().ops())
	require.NoError(t, tr.Start())
	ctx := rt.NewThread(11)

	il := buildBlock(plainInstr(0x3000))
	rt.RunBB(ctx, il)

	// The inverted long-jump stub adds two unconditional jumps.
	assert.Equal(t, 1, countOp(il, host.OpJecxz))
	assert.GreaterOrEqual(t, countOp(il, host.OpJmpDirect), 2)
}

func TestEmitRedzoneCheckARM64(t *testing.T) {
	rt := testsupport.NewFakeRuntime(host.ARM64Arch())
	cfg := config.Default()
	cfg.Offline = true
	cfg.OutDir = "/trace-out"
	tr, err := New(rt, cfg)
	require.NoError(t, err)
	tr.ReplaceFileOps(newMemFS().ops())
	require.NoError(t, tr.Start())
	ctx := rt.NewThread(11)

	il := buildBlock(plainInstr(0x3000))
	rt.RunBB(ctx, il)

	assert.Equal(t, 1, countOp(il, host.OpCbz))
	assert.Zero(t, countOp(il, host.OpJecxz))
}

func newARM64Tracer(t *testing.T) (*Tracer, *testsupport.FakeRuntime) {
	t.Helper()
	rt := testsupport.NewFakeRuntime(host.ARM64Arch())
	cfg := config.Default()
	cfg.Offline = true
	cfg.OutDir = "/trace-out"
	tr, err := New(rt, cfg)
	require.NoError(t, err)
	tr.ReplaceFileOps(newMemFS().ops())
	require.NoError(t, tr.Start())
	return tr, rt
}

func TestEmitStrexDeferredPastStore(t *testing.T) {
	_, rt := newARM64Tracer(t)
	ctx := rt.NewThread(11)

	strex := host.NewAppInstr(host.OpStoreExclusive, 0x100, 4,
		[]host.Opnd{host.MemOpnd(host.RegAArch64X5, 0, 8)},
		[]host.Opnd{host.RegOpnd(host.RegAArch64X2)})
	after := plainInstr(0x104)
	last := plainInstr(0x108)
	il := buildBlock(strex, after, last)
	rt.RunBB(ctx, il)

	types := packedEntryTypes(il)
	// The strex's fetch and write entries surface with the following
	// instruction, not before the store.
	assert.Contains(t, types, instru.TypeWrite)
	vals := movImmValues(il)
	assert.True(t, vals[0x100], "deferred strex PC must be materialized")

	// The strex entry code sits after the strex in the block.
	seenStrex := false
	for in := il.First(); in != nil; in = in.Next() {
		if in == strex {
			seenStrex = true
			continue
		}
		if !seenStrex {
			require.NotEqual(t, host.OpStore, in.Op,
				"no inline stores may precede the exclusive store")
		}
	}
}

func TestEmitStrexWritingOwnBaseIsSkipped(t *testing.T) {
	_, rt := newARM64Tracer(t)
	ctx := rt.NewThread(11)

	strex := host.NewAppInstr(host.OpStoreExclusive, 0x200, 4,
		[]host.Opnd{
			host.MemOpnd(host.RegAArch64X5, 0, 8),
			host.RegOpnd(host.RegAArch64X5),
		},
		[]host.Opnd{host.RegOpnd(host.RegAArch64X2)})
	last := plainInstr(0x204)
	il := buildBlock(strex, last)
	rt.RunBB(ctx, il)

	// No write entry: the self-updating strex stays uninstrumented.
	assert.NotContains(t, packedEntryTypes(il), instru.TypeWrite)
}

func TestEmitFilterLookupAndParity(t *testing.T) {
	_, rt, _ := newOfflineTracer(t, func(cfg *config.Config) {
		cfg.L0Filter = true
	})
	ctx := rt.NewThread(11)

	il := buildBlock(loadInstr(0x4000, host.RegXSI))
	rt.RunBB(ctx, il)

	// The inline lookup compares the stored tag and skips on equality.
	assert.NotZero(t, countOp(il, host.OpCmp))
	eqJumps := 0
	for in := il.First(); in != nil; in = in.Next() {
		if in.Op == host.OpJcc && in.Predicate() == host.PredEQ {
			eqJumps++
		}
	}
	assert.NotZero(t, eqJumps)

	// Aflags and the third scratch are released on every path.
	assert.Equal(t, rt.AflagsReserved, rt.AflagsUnreserved)
	assert.Equal(t, rt.ReserveCount, rt.UnreserveCount)
	assert.NotZero(t, rt.AflagsReserved)
}

func TestEmitICacheFilterSameLineShortCircuit(t *testing.T) {
	_, rt, _ := newOnlineTracer(t, 4096, func(cfg *config.Config) {
		cfg.L0Filter = true
	})
	ctx := rt.NewThread(11)

	// Two instructions on one cache line: the second skips the filter and
	// emits no fetch entry at all.
	il := buildBlock(plainInstr(0x5000), plainInstr(0x5003))
	rt.RunBB(ctx, il)

	types := packedEntryTypes(il)
	count := 0
	for _, ty := range types {
		if ty == instru.TypeInstr {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEmitOnlineInstrTypes(t *testing.T) {
	_, rt, _ := newOnlineTracer(t, 4096, func(cfg *config.Config) {
		cfg.OnlineInstrTypes = true
	})
	ctx := rt.NewThread(11)

	ret := host.NewAppInstr(host.OpRet, 0x6000, 1, nil, nil)
	il := buildBlock(ret)
	rt.RunBB(ctx, il)

	assert.Contains(t, packedEntryTypes(il), instru.TypeInstrReturn)
}

func TestEmitSkipsDuplicatePC(t *testing.T) {
	_, rt, _ := newOnlineTracer(t, 4096, nil)
	ctx := rt.NewThread(11)

	// Identical-PC instructions are string-expansion artifacts: only one
	// fetch entry may surface.
	first := loadInstr(0x7000, host.RegXSI)
	dup := loadInstr(0x7000, host.RegXSI)
	il := buildBlock(first, dup)
	rt.RunBB(ctx, il)

	count := 0
	for _, ty := range packedEntryTypes(il) {
		if ty == instru.TypeInstr {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEmitRepstrKeepsSingleFetch(t *testing.T) {
	rt := testsupport.NewFakeRuntime(host.AMD64Arch())
	rt.RepString = func(*host.InstrList) (bool, bool) { return true, true }
	cfg := config.Default()
	cfg.IPCName = "memtrace-test"
	tr, err := New(rt, cfg)
	require.NoError(t, err)
	pipe := &fakePipe{atomic: 4096}
	tr.UsePipe(pipe)
	require.NoError(t, tr.Start())
	ctx := rt.NewThread(11)

	// The expanded loop's non-memref iteration scaffolding must not add
	// fetch entries; the memref instruction keeps its own.
	memref := loadInstr(0x8000, host.RegXSI)
	il := buildBlock(plainInstr(0x7f00), memref)
	rt.RunBB(ctx, il)

	types := packedEntryTypes(il)
	reads, fetches := 0, 0
	for _, ty := range types {
		if ty == instru.TypeRead {
			reads++
		}
		if ty == instru.TypeInstr {
			fetches++
		}
	}
	assert.Equal(t, 1, fetches)
	assert.Equal(t, 1, reads)
}
