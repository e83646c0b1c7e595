// Package dmafile provides page-aligned, manually managed buffers for
// direct (O_DIRECT) file I/O, and a completion ring that moves a buffer into
// an asynchronous read or write and hands it back with the result.
//
//	ring := dmafile.NewRing()
//	defer ring.Close()
//
//	f, err := dmafile.OpenFile(ring, path, dmafile.WithRead())
//	...
//	buf := dmafile.Alloc(dmafile.MustLayout(4096, 4096))
//	defer buf.Free()
//
//	op, err := dmafile.ReadAt(ctx, f, buf, 0)
//	...
//	res := op.Wait() // res.Buf is buf again, holding res.N bytes
//
// The package targets Unix systems.
package dmafile

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/dmafile/internal/alloc"
)

// Allocator hands out and takes back raw memory blocks. Allocate must
// return exactly size bytes aligned to align or panic; allocation failure
// is not recoverable.
type Allocator interface {
	Allocate(size, align int) []byte
	Deallocate(mem []byte, align int)
}

// collected is implemented by allocators whose blocks the garbage
// collector keeps alive while any slice of them is reachable.
type collected interface {
	Collected() bool
}

var defaultAllocator = HeapAllocator()

// HeapAllocator returns the allocator Alloc uses: aligned blocks carved
// from the Go heap. Leaked buffers from it are reclaimed by the collector.
func HeapAllocator() Allocator {
	return alloc.NewHeap()
}

// PageAllocator returns an allocator that maps whole pages outside the Go
// heap on Linux (the Go heap elsewhere). Buffers from it must be freed:
// a leaked one is reported but never unmapped, since slices returned by
// Bytes may still point into it.
func PageAllocator() Allocator {
	return alloc.NewPage()
}

// Buffer ownership states
const (
	stateIdle int32 = iota
	stateInFlight
	stateFreed
)

// Buffer is a fixed-size block of memory aligned for direct I/O.
//
// The block is allocated once and never moves. Only its initialized prefix,
// Len bytes, is ever exposed; Len grows by appending or when a read
// completes, and never shrinks.
//
// A Buffer has a single owner. Submitting it to ReadAt or WriteAt moves it
// into the operation; until Op.Wait hands it back, any access other than
// Layout and Cap panics. Free releases the block and must be called once
// the buffer is no longer needed, typically deferred right after Alloc.
type Buffer struct {
	layout  Layout
	mem     []byte // len == cap == layout.size
	n       int    // initialized length
	state   atomic.Int32
	block   *block
	cleanup runtime.Cleanup
}

// block owns the allocation on behalf of a Buffer. It is kept separate so
// the runtime cleanup of an unreachable Buffer can still release it.
type block struct {
	mem       []byte
	align     int
	alloc     Allocator
	collected bool // Leaked memory may be handed back to alloc
	freed     atomic.Bool
}

func (b *block) release() bool {
	if !b.freed.CompareAndSwap(false, true) {
		return false
	}
	b.alloc.Deallocate(b.mem, b.align)
	return true
}

// Alloc allocates a buffer for layout from the Go heap.
func Alloc(layout Layout) *Buffer {
	return AllocWith(defaultAllocator, layout)
}

// AllocWith allocates a buffer for layout from a.
func AllocWith(a Allocator, layout Layout) *Buffer {
	if layout.size <= 0 {
		panic(fmt.Sprintf("dmafile: alloc with invalid %v", layout))
	}

	mem := a.Allocate(layout.size, layout.align)
	if len(mem) != layout.size ||
		uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%uintptr(layout.align) != 0 {
		panic(fmt.Sprintf("dmafile: allocator returned %d bytes at %p for %v",
			len(mem), unsafe.SliceData(mem), layout))
	}
	mem = mem[:layout.size:layout.size]

	blk := &block{mem: mem, align: layout.align, alloc: a}
	if c, ok := a.(collected); ok {
		blk.collected = c.Collected()
	}
	b := &Buffer{
		layout: layout,
		mem:    mem,
		block:  blk,
	}
	b.cleanup = runtime.AddCleanup(b, reclaim, blk)
	return b
}

// reclaim runs once a Buffer is unreachable without Free. Views from Bytes
// can outlive it, so memory the collector does not track is left mapped.
func reclaim(blk *block) {
	if !blk.collected {
		logger().Warn("buffer leaked without Free", "size", len(blk.mem), "align", blk.align)
		return
	}
	if blk.release() {
		logger().Warn("buffer reclaimed without Free", "size", len(blk.mem), "align", blk.align)
	}
}

// Layout returns the layout the buffer was allocated with.
func (b *Buffer) Layout() Layout {
	return b.layout
}

// Cap returns the allocation size.
func (b *Buffer) Cap() int {
	return b.layout.size
}

// Len returns the initialized length.
func (b *Buffer) Len() int {
	b.mustOwn()
	return b.n
}

// Remaining returns how many bytes may still be appended.
func (b *Buffer) Remaining() int {
	b.mustOwn()
	return b.layout.size - b.n
}

// Ptr returns the address of the first byte. It is the same for every call
// over the buffer's lifetime.
func (b *Buffer) Ptr() unsafe.Pointer {
	b.mustOwn()
	return unsafe.Pointer(unsafe.SliceData(b.mem))
}

// MutPtr is Ptr for callers that intend to write through the address. The
// caller must not write while an operation holds the buffer.
func (b *Buffer) MutPtr() unsafe.Pointer {
	return b.Ptr()
}

// Bytes returns the initialized prefix. Its capacity is capped at Len, so
// appending to it copies rather than exposing uninitialized memory. Writing
// through it does not change Len.
func (b *Buffer) Bytes() []byte {
	b.mustOwn()
	return b.mem[:b.n:b.n]
}

// Extend appends p. It panics, before copying anything, if p is longer than
// Remaining.
func (b *Buffer) Extend(p []byte) {
	b.mustOwn()
	if len(p) > b.layout.size-b.n {
		panic(fmt.Sprintf("dmafile: extend by %d bytes exceeds remaining capacity %d",
			len(p), b.layout.size-b.n))
	}
	copy(b.mem[b.n:], p)
	b.n += len(p)
}

// ExtendZero appends n zero bytes with the same contract as Extend.
func (b *Buffer) ExtendZero(n int) {
	b.mustOwn()
	if n < 0 || n > b.layout.size-b.n {
		panic(fmt.Sprintf("dmafile: extend by %d zero bytes exceeds remaining capacity %d",
			n, b.layout.size-b.n))
	}
	clear(b.mem[b.n : b.n+n])
	b.n += n
}

// Write appends p in full or not at all, returning ErrBufferFull when it
// does not fit.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mustOwn()
	if len(p) > b.layout.size-b.n {
		return 0, fmt.Errorf("write of %d bytes with %d remaining: %w",
			len(p), b.layout.size-b.n, ErrBufferFull)
	}
	b.Extend(p)
	return len(p), nil
}

// Sum64 returns the xxhash of the initialized prefix.
func (b *Buffer) Sum64() uint64 {
	return xxhash.Sum64(b.Bytes())
}

// Free releases the memory. It is idempotent. Freeing a buffer held by an
// in-flight operation panics.
func (b *Buffer) Free() {
	for {
		switch b.state.Load() {
		case stateFreed:
			return
		case stateInFlight:
			panic("dmafile: free of " + ErrBufferInFlight.Error())
		}
		if b.state.CompareAndSwap(stateIdle, stateFreed) {
			break
		}
	}

	b.cleanup.Stop()
	b.block.release()
	b.mem = nil
	b.n = 0
}

func (b *Buffer) mustOwn() {
	switch b.state.Load() {
	case stateInFlight:
		panic("dmafile: " + ErrBufferInFlight.Error())
	case stateFreed:
		panic("dmafile: use of freed buffer")
	}
}

// setInit records that the first n bytes hold data. It never shrinks the
// initialized length and panics if n exceeds the allocation.
func (b *Buffer) setInit(n int) {
	if n > b.layout.size {
		panic(fmt.Sprintf("dmafile: initialized length %d exceeds capacity %d", n, b.layout.size))
	}
	if n > b.n {
		b.n = n
	}
}

// acquire moves the buffer into an operation.
func (b *Buffer) acquire() error {
	if b.state.CompareAndSwap(stateIdle, stateInFlight) {
		return nil
	}
	if b.state.Load() == stateFreed {
		return ErrBufferFreed
	}
	return ErrBufferInFlight
}

// release hands the buffer back to its owner.
func (b *Buffer) release() {
	b.state.Store(stateIdle)
}
