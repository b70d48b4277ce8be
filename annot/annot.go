// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

// Package annot recognizes in-application annotations and dispatches them
// to registered handlers. Two annotation shapes exist: direct calls to
// sentinel functions, matched by target PC, and the Valgrind client-request
// preamble, matched as an instruction pattern at basic-block build time.
package annot // import "github.com/qinjuan/dynamorio/annot"

import (
	"sync"

	"github.com/qinjuan/dynamorio/host"
)

// HandlerKind discriminates handler variants.
type HandlerKind uint8

const (
	// HandlerCall invokes a client callback with the annotation's operands.
	HandlerCall HandlerKind = iota
	// HandlerReturnValue substitutes a fixed return value.
	HandlerReturnValue
	// HandlerValgrind serves one Valgrind client-request ID.
	HandlerValgrind
)

// CallFunc is a client callback for a call annotation. Argument values are
// the evaluated operand descriptors from registration.
type CallFunc func(ctx host.Context, args []uint64)

// Handler describes one registered annotation handler. Handlers chain via
// the arena index in next; a chain shares one target PC.
type Handler struct {
	Kind        HandlerKind
	TargetPC    uint64
	Callback    CallFunc
	SaveFPState bool
	Args        []host.Opnd
	ReturnValue uint64
	VgID        VgRequestID
	VgCallback  VgCallback

	next int32 // arena index of the next handler in the chain, -1 for none
}

const nilIdx = int32(-1)

// Registry maps annotation call-site PCs (and Valgrind request IDs) to
// handlers. Handler nodes live in an arena owned by the registry; the map
// stores head indexes so removal is cheap and chains cannot dangle.
//
// A single reader/writer lock guards both tables. The lock is innermost:
// nothing else is acquired while it is held.
type Registry struct {
	mu    sync.RWMutex
	nodes []Handler
	free  []int32
	byPC  map[uint64]int32
	vg    [VgIDLast]int32

	rt   host.Runtime
	arch *host.Arch
}

// NewRegistry creates a registry bound to the host runtime and hooks the
// module load/unload events: load auto-registers the
// running-under-instrumentation probe, unload sweeps the module's range.
func NewRegistry(rt host.Runtime) *Registry {
	r := &Registry{
		byPC: make(map[uint64]int32),
		rt:   rt,
		arch: rt.Arch(),
	}
	for i := range r.vg {
		r.vg[i] = nilIdx
	}
	rt.RegisterModuleLoad(r.onModuleLoad)
	rt.RegisterModuleUnload(r.onModuleUnload)
	return r
}

// alloc takes a node from the free list or grows the arena. Caller holds
// the write lock.
func (r *Registry) alloc(h Handler) int32 {
	h.next = nilIdx
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		r.nodes[idx] = h
		return idx
	}
	r.nodes = append(r.nodes, h)
	return int32(len(r.nodes) - 1)
}

// RegisterCall registers a callback for the annotation function at funcPC.
// A duplicate registration for the same PC is ignored; the first wins.
func (r *Registry) RegisterCall(funcPC uint64, cb CallFunc, saveFPState bool,
	args ...host.Opnd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPC[funcPC]; ok {
		return // ignore duplicate registration
	}
	r.byPC[funcPC] = r.alloc(Handler{
		Kind:        HandlerCall,
		TargetPC:    funcPC,
		Callback:    cb,
		SaveFPState: saveFPState,
		Args:        args,
	})
}

// RegisterReturn registers a substituted return value for the annotation
// function at funcPC. Duplicate policy as RegisterCall.
func (r *Registry) RegisterReturn(funcPC uint64, value uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPC[funcPC]; ok {
		return // ignore duplicate registration
	}
	r.byPC[funcPC] = r.alloc(Handler{
		Kind:        HandlerReturnValue,
		TargetPC:    funcPC,
		ReturnValue: value,
	})
}

// RegisterValgrind registers a callback for one Valgrind request ID.
// Out-of-range IDs are dropped; the first registration wins.
func (r *Registry) RegisterValgrind(id VgRequestID, cb VgCallback) {
	if id < 0 || id >= VgIDLast {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vg[id] != nilIdx {
		return
	}
	r.vg[id] = r.alloc(Handler{
		Kind:       HandlerValgrind,
		VgID:       id,
		VgCallback: cb,
	})
}

// Lookup returns the head of the handler chain registered at pc, or nil.
// The result stays valid until the next sweep removes its key.
func (r *Registry) Lookup(pc uint64) *Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx, ok := r.byPC[pc]; ok {
		return &r.nodes[idx]
	}
	return nil
}

// SweepRange removes every handler keyed strictly inside (low, high),
// returning the chain nodes to the arena. Module unload calls this with
// the module bounds.
func (r *Registry) SweepRange(low, high uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pc, idx := range r.byPC {
		if pc <= low || pc >= high {
			continue
		}
		for idx != nilIdx {
			next := r.nodes[idx].next
			r.nodes[idx] = Handler{next: nilIdx}
			r.free = append(r.free, idx)
			idx = next
		}
		delete(r.byPC, pc)
	}
}

// runningOnProbe is the exported symbol whose presence in a loaded module
// requests a "running under instrumentation?" annotation.
const runningOnProbe = "dynamorio_annotate_running_on_dynamorio"

func (r *Registry) onModuleLoad(_ host.Context, m *host.ModuleData, _ bool) {
	if pc := m.ProcAddress(runningOnProbe); pc != 0 {
		r.RegisterReturn(pc, 1)
	}
}

func (r *Registry) onModuleUnload(_ host.Context, m *host.ModuleData) {
	r.SweepRange(m.Start, m.End)
}
