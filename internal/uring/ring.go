// Package uring implements a submission/completion queue pair for positional
// file I/O.
//
// Callers place submission entries (SQE) describing a raw memory range and a
// file offset on the ring. A fixed pool of workers performs the transfer and
// posts a completion entry (CQE) which a single reaper dispatches to the
// submitter by its user data. The memory referenced by an SQE belongs to the
// ring from Submit until the matching CQE is delivered; the ring never
// touches it afterwards.
package uring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

var ErrClosed = errors.New("uring: ring is closed")

// Opcode selects the operation an SQE performs.
type Opcode uint8

const (
	OpRead  Opcode = iota + 1 // pread into Addr[:Len]
	OpWrite                   // pwrite from Addr[:Len]
	OpFsync                   // flush file data
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFsync:
		return "fsync"
	default:
		return "unknown"
	}
}

// SQE is a submission queue entry.
type SQE struct {
	Opcode   Opcode
	Fd       int
	Addr     unsafe.Pointer
	Len      int
	Off      int64
	UserData uint64 // assigned by Submit
}

// CQE is a completion queue entry.
type CQE struct {
	UserData uint64
	Res      int   // bytes transferred
	Err      error // OS error, verbatim
}

// Logger matches dmafile.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

type discard struct{}

func (discard) Error(string, ...any) {}
func (discard) Warn(string, ...any)  {}
func (discard) Info(string, ...any)  {}

// Config configures a Ring.
type Config struct {
	Entries     int   // Submission queue depth; also bounds operations in flight
	Workers     int   // Goroutines performing transfers
	BytesPerSec int64 // Transfer rate limit; 0 disables limiting
	Logger      Logger
}

const (
	DefaultEntries = 128
	DefaultWorkers = 4
)

// Ring is a submission/completion queue pair.
type Ring struct {
	cfg     Config
	slots   *semaphore.Weighted
	sq      chan SQE
	cq      chan CQE
	limiter *rate.Limiter
	workers errgroup.Group
	reaped  chan struct{}

	mu       sync.Mutex
	closed   bool
	nextID   uint64
	waiters  map[uint64]chan CQE
	inflight sync.WaitGroup

	// Stats counters
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	read      atomic.Uint64
	written   atomic.Uint64
}

// New starts a ring with cfg. Zero fields take their defaults.
func New(cfg Config) *Ring {
	if cfg.Entries <= 0 {
		cfg.Entries = DefaultEntries
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = discard{}
	}

	r := &Ring{
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.Entries)),
		sq:      make(chan SQE, cfg.Entries),
		cq:      make(chan CQE, cfg.Entries),
		reaped:  make(chan struct{}),
		waiters: make(map[uint64]chan CQE),
	}
	if cfg.BytesPerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.BytesPerSec), int(cfg.BytesPerSec))
	}

	for i := 0; i < cfg.Workers; i++ {
		r.workers.Go(r.work)
	}
	go r.reap()

	cfg.Logger.Info("ring started", "entries", cfg.Entries, "workers", cfg.Workers,
		"bytes_per_sec", cfg.BytesPerSec)
	return r
}

// Submit queues sqe and returns the channel its completion is delivered on.
// It blocks while Entries operations are in flight; ctx bounds only that
// wait. Once Submit returns nil the operation always completes, even if the
// ring is closed meanwhile.
func (r *Ring) Submit(ctx context.Context, sqe SQE) (<-chan CQE, error) {
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.slots.Release(1)
		return nil, ErrClosed
	}
	r.nextID++
	sqe.UserData = r.nextID
	done := make(chan CQE, 1)
	r.waiters[sqe.UserData] = done
	r.inflight.Add(1)
	r.mu.Unlock()

	r.submitted.Add(1)
	r.sq <- sqe
	return done, nil
}

// Close stops accepting submissions, waits for every accepted operation to
// complete, then stops the workers.
func (r *Ring) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.inflight.Wait()
	close(r.sq)
	err := r.workers.Wait()
	close(r.cq)
	<-r.reaped

	r.cfg.Logger.Info("ring closed", "completed", r.completed.Load(), "failed", r.failed.Load())
	return err
}

func (r *Ring) work() error {
	for sqe := range r.sq {
		r.cq <- r.execute(sqe)
	}
	return nil
}

func (r *Ring) reap() {
	defer close(r.reaped)

	for cqe := range r.cq {
		r.mu.Lock()
		done := r.waiters[cqe.UserData]
		delete(r.waiters, cqe.UserData)
		r.mu.Unlock()

		r.completed.Add(1)
		if cqe.Err != nil {
			r.failed.Add(1)
		}

		done <- cqe
		r.slots.Release(1)
		r.inflight.Done()
	}
}

func (r *Ring) execute(sqe SQE) CQE {
	cqe := CQE{UserData: sqe.UserData}

	switch sqe.Opcode {
	case OpRead:
		if cqe.Err = r.throttle(sqe.Len); cqe.Err != nil {
			break
		}
		cqe.Res, cqe.Err = retry(func() (int, error) {
			return unix.Pread(sqe.Fd, memory(sqe), sqe.Off)
		})
		r.read.Add(uint64(cqe.Res))
	case OpWrite:
		if cqe.Err = r.throttle(sqe.Len); cqe.Err != nil {
			break
		}
		cqe.Res, cqe.Err = retry(func() (int, error) {
			return unix.Pwrite(sqe.Fd, memory(sqe), sqe.Off)
		})
		r.written.Add(uint64(cqe.Res))
	case OpFsync:
		_, cqe.Err = retry(func() (int, error) {
			return 0, fdatasync(sqe.Fd)
		})
	default:
		cqe.Err = unix.EINVAL
	}

	return cqe
}

// throttle blocks until n bytes may be transferred. Requests larger than
// the limiter burst are taken in burst-sized pieces.
func (r *Ring) throttle(n int) error {
	if r.limiter == nil {
		return nil
	}
	for burst := max(r.limiter.Burst(), 1); n > 0; n -= burst {
		if err := r.limiter.WaitN(context.Background(), min(n, burst)); err != nil {
			return fmt.Errorf("throttle %d bytes: %w", n, err)
		}
	}
	return nil
}

func memory(sqe SQE) []byte {
	if sqe.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(sqe.Addr), sqe.Len)
}

// retry repeats fn while it is interrupted by a signal.
func retry(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// Stats holds I/O statistics
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Read      uint64
	Written   uint64
}

// Stats returns I/O statistics
func (r *Ring) Stats() Stats {
	return Stats{
		Submitted: r.submitted.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Read:      r.read.Load(),
		Written:   r.written.Load(),
	}
}
