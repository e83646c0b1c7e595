//go:build linux

package alloc

// NewPage returns the page allocator: anonymous mmap on Linux.
func NewPage() *Mmap {
	return NewMmap()
}
