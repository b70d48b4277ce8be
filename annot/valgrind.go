// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package annot // import "github.com/qinjuan/dynamorio/annot"

import (
	"encoding/binary"

	"github.com/qinjuan/dynamorio/host"
)

// VgRequestID is an internal Valgrind request identifier.
type VgRequestID int

const (
	// VgIDMakeMemDefinedIfAddressable is memcheck's
	// MAKE_MEM_DEFINED_IF_ADDRESSABLE client request.
	VgIDMakeMemDefinedIfAddressable VgRequestID = iota
	VgIDLast
)

// Raw Valgrind request numbers, from the client-request encoding: tool
// requests start at ('M'<<24 | 'C'<<16) for memcheck.
const (
	vgUserreqMakeMemDefinedIfAddressable uint64 = 0x4D43000B
)

// vgNumArgs is the argument count in a client-request block.
const vgNumArgs = 5

// VgClientRequest is the argument block the instrumented program builds
// before executing the client-request preamble.
type VgClientRequest struct {
	Request       uint64
	Args          [vgNumArgs]uint64
	DefaultResult uint64
}

// VgCallback handles one Valgrind client request and returns the result to
// place in the application's XBX register.
type VgCallback func(request *VgClientRequest) uint64

// lookupValgrindRequest translates a raw request number to an internal ID,
// returning VgIDLast for unknown requests.
func lookupValgrindRequest(request uint64) VgRequestID {
	switch request {
	case vgUserreqMakeMemDefinedIfAddressable:
		return VgIDMakeMemDefinedIfAddressable
	}
	return VgIDLast
}

// handleVgAnnotation runs from the clean call the matcher plants in place
// of the client-request pattern. args[0] holds the application's XAX: the
// pointer to the request block in the instrumented program's memory.
func (r *Registry) handleVgAnnotation(ctx host.Context, args []uint64) {
	request, ok := r.readRequest(args[0])
	if !ok {
		return
	}

	result := request.DefaultResult
	if id := lookupValgrindRequest(request.Request); id < VgIDLast {
		r.mu.RLock()
		if idx := r.vg[id]; idx != nilIdx {
			result = r.nodes[idx].VgCallback(&request)
		}
		r.mu.RUnlock()
	}

	// The result code goes in XBX.
	var mc host.MContext
	if !r.rt.GetMContext(ctx, &mc) {
		return
	}
	mc.Set(r.arch.XBX, result)
	r.rt.SetMContext(ctx, &mc)
}

// readRequest safely fetches the request block. The pointer comes from the
// application, so an unreadable block is silently ignored.
func (r *Registry) readRequest(addr uint64) (VgClientRequest, bool) {
	var req VgClientRequest
	word := r.arch.PtrSize
	buf := make([]byte, (vgNumArgs+2)*word)
	if !r.rt.SafeRead(addr, buf) {
		return req, false
	}
	load := func(i int) uint64 {
		if word == 4 {
			return uint64(binary.LittleEndian.Uint32(buf[i*word:]))
		}
		return binary.LittleEndian.Uint64(buf[i*word:])
	}
	req.Request = load(0)
	for i := 0; i < vgNumArgs; i++ {
		req.Args[i] = load(1 + i)
	}
	req.DefaultResult = load(vgNumArgs + 1)
	return req, true
}
