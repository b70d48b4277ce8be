//go:build linux

// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package physaddr // import "github.com/qinjuan/dynamorio/physaddr"

import (
	"encoding/binary"
	"fmt"
	"os"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// pagemap entry bits, from Documentation/admin-guide/mm/pagemap.rst.
const (
	pagemapEntrySize = 8
	pagemapPFNMask   = 1<<55 - 1
	pagemapPresent   = 1 << 63
)

type pagemapReader struct {
	file *os.File
}

// Init opens the pagemap for the current process. Reading PFNs requires
// privilege on hardened kernels; Init fails there and callers fall back to
// virtual addresses.
func (pa *PhysAddr) Init() error {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return fmt.Errorf("failed to open pagemap: %v", err)
	}
	pa.pagemap = pagemapReader{file: f}
	pa.pageShift = uint(pageShift())
	cache, err := lru.NewSynced[uint64, uint64](pageCacheSize,
		func(k uint64) uint32 { return uint32(k >> pa.pageShift) })
	if err != nil {
		f.Close()
		return err
	}
	pa.pageCache = cache
	return nil
}

// Close releases the pagemap descriptor.
func (pa *PhysAddr) Close() {
	if pa.pagemap.file != nil {
		pa.pagemap.file.Close()
	}
}

func (pm pagemapReader) lookup(vpage uint64, pageShift uint) uint64 {
	var buf [pagemapEntrySize]byte
	off := int64(vpage>>pageShift) * pagemapEntrySize
	if _, err := pm.file.ReadAt(buf[:], off); err != nil {
		log.Debugf("Failed to read pagemap entry for %#x: %v", vpage, err)
		return 0
	}
	entry := binary.LittleEndian.Uint64(buf[:])
	if entry&pagemapPresent == 0 {
		return 0
	}
	pfn := entry & pagemapPFNMask
	return pfn << pageShift
}

func pageShift() int {
	size := unix.Getpagesize()
	shift := 0
	for size > 1 {
		size >>= 1
		shift++
	}
	return shift
}
