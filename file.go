package dmafile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/alexhholmes/dmafile/internal/directio"
	"github.com/alexhholmes/dmafile/internal/uring"
)

// File is a file whose reads and writes are submitted to a Ring.
type File struct {
	ring   *Ring
	file   *os.File
	fd     int
	direct bool

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup // Operations submitted and not yet completed
}

// OpenFile opens name for I/O through ring. Direct I/O is requested unless
// WithDirect(false) is given; on filesystems that refuse it (tmpfs, for
// example) the open fails.
func OpenFile(ring *Ring, name string, opts ...OpenOption) (*File, error) {
	o := DefaultOpenOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var (
		file *os.File
		err  error
	)
	if o.direct {
		file, err = directio.OpenFile(name, o.flags(), o.perm)
	} else {
		file, err = os.OpenFile(name, o.flags(), o.perm)
	}
	if err != nil {
		return nil, err
	}

	return &File{
		ring:   ring,
		file:   file,
		fd:     int(file.Fd()),
		direct: o.direct && directio.DirectIO,
	}, nil
}

// Name returns the name the file was opened with.
func (f *File) Name() string {
	return f.file.Name()
}

// Direct reports whether the file bypasses the OS page cache.
func (f *File) Direct() bool {
	return f.direct
}

// Close waits for the file's outstanding operations, then closes it.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.pending.Wait()
	return f.file.Close()
}

func (f *File) begin() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrFileClosed
	}
	f.pending.Add(1)
	return nil
}

// checkAligned rejects transfers the kernel would refuse with EINVAL.
func (f *File) checkAligned(ptr unsafe.Pointer, n int, off int64) error {
	if !f.direct || directio.AlignSize == 0 {
		return nil
	}
	if !directio.IsAlignedPtr(ptr, directio.AlignSize) ||
		!directio.IsBlockMultiple(int64(n)) ||
		!directio.IsBlockMultiple(off) {
		return fmt.Errorf("address %p, length %d, offset %d: %w", ptr, n, off, ErrMisaligned)
	}
	return nil
}

// submit moves buf into an operation. prep fills in the SQE address and
// length once the buffer is owned. On error buf stays with the caller.
func submit[B IoBuf](ctx context.Context, f *File, buf B, sqe uring.SQE,
	prep func(B, *uring.SQE), complete func(B, uring.CQE)) (*Op[B], error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	if err := buf.acquire(); err != nil {
		f.pending.Done()
		return nil, err
	}

	sqe.Fd = f.fd
	prep(buf, &sqe)
	if err := f.checkAligned(sqe.Addr, sqe.Len, sqe.Off); err != nil {
		buf.release()
		f.pending.Done()
		return nil, err
	}

	if err := f.ring.begin(); err != nil {
		buf.release()
		f.pending.Done()
		return nil, err
	}
	cq, err := f.ring.ring.Submit(ctx, sqe)
	if err != nil {
		f.ring.ops.Done()
		buf.release()
		f.pending.Done()
		return nil, err
	}

	return startOp(f.ring, buf, cq, func(b B, cqe uring.CQE) {
		if complete != nil {
			complete(b, cqe)
		}
		f.pending.Done()
	}), nil
}

// ReadAt reads up to buf.BytesTotal() bytes at off into the start of buf.
// The buffer moves into the returned Op; once the read completes its
// initialized length grows to at least the number of bytes read.
//
// ctx bounds only the wait for a free submission slot.
func ReadAt[B IoBufMut](ctx context.Context, f *File, buf B, off int64) (*Op[B], error) {
	sqe := uring.SQE{Opcode: uring.OpRead, Off: off}
	return submit(ctx, f, buf, sqe,
		func(b B, sqe *uring.SQE) {
			sqe.Addr, sqe.Len = b.StableMutPtr(), b.BytesTotal()
		},
		func(b B, cqe uring.CQE) {
			if cqe.Err == nil {
				b.setInit(cqe.Res)
			}
		})
}

// WriteAt writes the buf.BytesInit() initialized bytes of buf at off. The
// buffer moves into the returned Op and comes back unchanged.
//
// ctx bounds only the wait for a free submission slot.
func WriteAt[B IoBuf](ctx context.Context, f *File, buf B, off int64) (*Op[B], error) {
	sqe := uring.SQE{Opcode: uring.OpWrite, Off: off}
	return submit(ctx, f, buf, sqe,
		func(b B, sqe *uring.SQE) {
			sqe.Addr, sqe.Len = b.StablePtr(), b.BytesInit()
		},
		nil)
}

// Sync flushes written data to stable storage and waits for it.
func (f *File) Sync(ctx context.Context) error {
	if err := f.begin(); err != nil {
		return err
	}
	defer f.pending.Done()

	cq, err := f.ring.ring.Submit(ctx, uring.SQE{Opcode: uring.OpFsync, Fd: f.fd})
	if err != nil {
		return err
	}
	return (<-cq).Err
}
