// Package directio provides open file functions that bypass the OS buffer.
// This is adapted from https://github.com/ncw/directio.
package directio

import (
	"unsafe"
)

// IsAligned checks whether passed byte slice is aligned to AlignSize.
func IsAligned(block []byte) bool {
	if AlignSize == 0 || len(block) == 0 {
		return true
	}
	return alignment(unsafe.Pointer(&block[0]), AlignSize) == 0
}

// IsAlignedPtr reports whether ptr is a multiple of align (must be power of two).
func IsAlignedPtr(ptr unsafe.Pointer, align int) bool {
	if align <= 1 {
		return true
	}
	return alignment(ptr, align) == 0
}

// IsBlockMultiple reports whether n is a whole number of BlockSize units.
// Direct I/O requires both transfer length and file offset to satisfy this.
func IsBlockMultiple(n int64) bool {
	return n%BlockSize == 0
}

// alignment returns alignment of the pointer in memory
// with reference to align
func alignment(ptr unsafe.Pointer, align int) int {
	return int(uintptr(ptr) & uintptr(align-1))
}
