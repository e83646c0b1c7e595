package dmafile

import "unsafe"

// IoBuf is a buffer that can be the source of a write submitted to a Ring.
//
// The contract is sealed: the ownership hooks are unexported, so only
// buffers from this package implement it.
type IoBuf interface {
	// StablePtr returns the start of the memory. It must not change while
	// the buffer is owned by an operation.
	StablePtr() unsafe.Pointer

	// BytesInit is the number of initialized bytes, the most a write may
	// consume.
	BytesInit() int

	// BytesTotal is the allocation size, the most a read may fill.
	BytesTotal() int

	acquire() error
	release()
}

// IoBufMut is a buffer that can be the destination of a read.
type IoBufMut interface {
	IoBuf

	StableMutPtr() unsafe.Pointer

	// setInit records that a completion filled the first n bytes.
	setInit(n int)
}

var _ IoBufMut = (*Buffer)(nil)

// StablePtr implements IoBuf. Unlike Ptr it does not check ownership, as
// the ring reads it after the buffer has moved into an operation.
func (b *Buffer) StablePtr() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b.mem))
}

// StableMutPtr implements IoBufMut.
func (b *Buffer) StableMutPtr() unsafe.Pointer {
	return b.StablePtr()
}

// BytesInit implements IoBuf. It is Len without the ownership check.
func (b *Buffer) BytesInit() int {
	return b.n
}

// BytesTotal implements IoBuf. It is Cap.
func (b *Buffer) BytesTotal() int {
	return b.layout.size
}
