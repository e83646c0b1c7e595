// Package alloc provides the raw memory allocators behind dmafile buffers.
//
// An allocator hands out a single block of a requested size whose first byte
// is aligned to a requested power of two, and takes it back exactly once.
// Failure to allocate is fatal: allocators panic rather than return an error.
package alloc

import (
	"fmt"
	"sync/atomic"
)

// Stats holds allocation statistics
type Stats struct {
	Allocs    uint64 // Blocks handed out
	Frees     uint64 // Blocks taken back
	BytesLive int64  // Requested bytes not yet freed
}

// Live returns the number of blocks allocated but not yet freed.
func (s Stats) Live() int64 {
	return int64(s.Allocs) - int64(s.Frees)
}

type counters struct {
	allocs    atomic.Uint64
	frees     atomic.Uint64
	bytesLive atomic.Int64
}

func (c *counters) allocated(size int) {
	c.allocs.Add(1)
	c.bytesLive.Add(int64(size))
}

func (c *counters) freed(size int) {
	c.frees.Add(1)
	c.bytesLive.Add(-int64(size))
}

// Stats returns allocation statistics
func (c *counters) Stats() Stats {
	return Stats{
		Allocs:    c.allocs.Load(),
		Frees:     c.frees.Load(),
		BytesLive: c.bytesLive.Load(),
	}
}

func checkRequest(size, align int) {
	if size <= 0 {
		panic(fmt.Sprintf("alloc: invalid size %d", size))
	}
	if align <= 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("alloc: alignment %d is not a power of two", align))
	}
}

func roundUp(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}
