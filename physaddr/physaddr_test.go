//go:build linux

// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package physaddr

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func addrOf(p *int) uintptr { return uintptr(unsafe.Pointer(p)) }

func TestVirtual2PhysicalSelf(t *testing.T) {
	pa := New()
	if err := pa.Init(); err != nil {
		t.Skipf("pagemap not accessible: %v", err)
	}
	defer pa.Close()

	// A mapped page of our own: the stack of this variable.
	var local int
	virt := uint64(uintptr(addrOf(&local)))
	phys := pa.Virtual2Physical(virt)
	if phys == 0 {
		// PFNs are zeroed for unprivileged readers on hardened kernels.
		t.Skip("pagemap readable but PFNs hidden")
	}
	pageMask := uint64(1)<<pa.pageShift - 1
	require.Equal(t, virt&pageMask, phys&pageMask,
		"page offset must survive translation")

	// The second lookup is served from the cache and must agree.
	require.Equal(t, phys, pa.Virtual2Physical(virt))
}

func TestUnmappedPageTranslatesToZero(t *testing.T) {
	pa := New()
	if err := pa.Init(); err != nil {
		t.Skipf("pagemap not accessible: %v", err)
	}
	defer pa.Close()

	require.Zero(t, pa.Virtual2Physical(1))
}
