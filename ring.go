package dmafile

import (
	"sync"

	"github.com/alexhholmes/dmafile/internal/uring"
)

// Ring is the completion queue that carries ReadAt, WriteAt and Sync
// operations. One ring can serve many files.
type Ring struct {
	ring   *uring.Ring
	logger Logger

	mu      sync.Mutex
	closing bool
	ops     sync.WaitGroup // Ops not yet handed back
}

// NewRing starts a ring. Close it to stop its workers.
func NewRing(opts ...RingOption) *Ring {
	o := DefaultRingOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Ring{
		ring: uring.New(uring.Config{
			Entries:     o.entries,
			Workers:     o.workers,
			BytesPerSec: o.bytesPerSec,
			Logger:      o.logger,
		}),
		logger: o.logger,
	}
}

// Close waits for every submitted operation to complete and stops the
// ring. Buffers held by those operations are handed back through their Op
// before Close returns.
func (r *Ring) Close() error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	err := r.ring.Close()
	r.ops.Wait()
	return err
}

// begin registers an Op about to be submitted.
func (r *Ring) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return ErrRingClosed
	}
	r.ops.Add(1)
	return nil
}

// Stats holds ring I/O statistics
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Read      uint64 // bytes
	Written   uint64 // bytes
}

// Stats returns ring I/O statistics
func (r *Ring) Stats() Stats {
	s := r.ring.Stats()
	return Stats{
		Submitted: s.Submitted,
		Completed: s.Completed,
		Failed:    s.Failed,
		Read:      s.Read,
		Written:   s.Written,
	}
}
