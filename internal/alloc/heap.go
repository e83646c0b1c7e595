package alloc

import "unsafe"

// Heap allocates from the Go heap by over-allocating and slicing at the
// first aligned address. The Go collector does not move objects, so the
// address is stable for as long as the returned slice is referenced.
type Heap struct {
	counters
}

// NewHeap creates a Go heap allocator
func NewHeap() *Heap {
	return &Heap{}
}

// Allocate returns a zeroed block of size bytes aligned to align.
func (h *Heap) Allocate(size, align int) []byte {
	checkRequest(size, align)

	raw := make([]byte, size+align-1)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	offset := int(-base & uintptr(align-1))

	h.allocated(size)
	return raw[offset : offset+size : offset+size]
}

// Collected reports that blocks stay valid while any slice of them is
// referenced, whether or not Deallocate has run.
func (h *Heap) Collected() bool {
	return true
}

// Deallocate releases a block returned by Allocate. The memory itself is
// reclaimed by the collector once nothing references it.
func (h *Heap) Deallocate(mem []byte, _ int) {
	h.freed(cap(mem))
}
