//go:build linux

package alloc

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mmap allocates anonymous private mappings outside the Go heap. Mappings
// are page aligned; larger alignments over-map and trim the excess.
type Mmap struct {
	counters
	pageSize int
}

// NewMmap creates an anonymous mmap allocator
func NewMmap() *Mmap {
	return &Mmap{pageSize: os.Getpagesize()}
}

// Allocate maps a zeroed block of size bytes aligned to align. The mapping
// length is rounded up to the page size; the returned slice is capped at
// size.
func (m *Mmap) Allocate(size, align int) []byte {
	checkRequest(size, align)

	length := roundUp(size, m.pageSize)
	span := length
	if align > m.pageSize {
		span += align
	}

	ptr, err := unix.MmapPtr(-1, 0, nil, uintptr(span),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic(fmt.Sprintf("alloc: mmap %d bytes: %v", span, err))
	}

	start := ptr
	if span > length {
		base := uintptr(ptr)
		head := int(-base & uintptr(align-1))
		start = unsafe.Add(ptr, head)
		if head > 0 {
			m.unmap(ptr, head)
		}
		if tail := span - head - length; tail > 0 {
			m.unmap(unsafe.Add(start, length), tail)
		}
	}

	m.allocated(size)
	return unsafe.Slice((*byte)(start), length)[:size:size]
}

// Deallocate unmaps a block returned by Allocate.
func (m *Mmap) Deallocate(mem []byte, _ int) {
	size := cap(mem)
	m.unmap(unsafe.Pointer(unsafe.SliceData(mem)), roundUp(size, m.pageSize))
	m.freed(size)
}

func (m *Mmap) unmap(ptr unsafe.Pointer, length int) {
	if err := unix.MunmapPtr(ptr, uintptr(length)); err != nil {
		panic(fmt.Sprintf("alloc: munmap %d bytes at %p: %v", length, ptr, err))
	}
}
