// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

// Package physaddr translates virtual addresses of the current process to
// physical addresses using the kernel's pagemap interface. Translations
// are cached per page; drains from multiple threads share one translator.
package physaddr // import "github.com/qinjuan/dynamorio/physaddr"

import (
	lru "github.com/elastic/go-freelru"
)

// pageCacheSize bounds the page-translation cache. At 4KiB pages this
// covers a 256MiB working set.
const pageCacheSize = 65536

// PhysAddr translates virtual to physical addresses.
type PhysAddr struct {
	pagemap   pagemapReader
	pageShift uint
	pageCache *lru.SyncedLRU[uint64, uint64]
}

// New returns a translator. Init must succeed before Virtual2Physical is
// used.
func New() *PhysAddr {
	return &PhysAddr{}
}

// Virtual2Physical returns the physical address backing virt, or 0 when
// the translation is unavailable (unmapped page, no pagemap access).
func (pa *PhysAddr) Virtual2Physical(virt uint64) uint64 {
	pageMask := uint64(1)<<pa.pageShift - 1
	vpage := virt &^ pageMask
	if ppage, ok := pa.pageCache.Get(vpage); ok {
		if ppage == 0 {
			return 0
		}
		return ppage | (virt & pageMask)
	}
	ppage := pa.pagemap.lookup(vpage, pa.pageShift)
	// Negative results are cached too: pages that fail translation (the
	// vsyscall page, wild application addresses) tend to repeat.
	pa.pageCache.Add(vpage, ppage)
	if ppage == 0 {
		return 0
	}
	return ppage | (virt & pageMask)
}
