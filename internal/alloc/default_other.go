//go:build !linux

package alloc

// NewPage returns the page allocator. Outside Linux that is the Go heap.
func NewPage() *Heap {
	return NewHeap()
}
