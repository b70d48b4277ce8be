// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package host // import "github.com/qinjuan/dynamorio/host"

import "unsafe"

// BufAddr returns the machine address of a raw allocation so it can be
// stored in a raw TLS slot for generated code to load through. Only valid
// for buffers from RawMemAlloc, which are not moved by the Go runtime.
func BufAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
