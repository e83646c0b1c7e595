package dmafile

import (
	"context"

	"github.com/alexhholmes/dmafile/internal/uring"
)

// Result is the outcome of an operation together with the buffer it owned.
type Result[B IoBuf] struct {
	N   int   // Bytes transferred
	Err error // OS error, unchanged; N is 0 when set
	Buf B     // Always returned, whatever the outcome
}

// Op is an operation in flight. It owns its buffer until the ring reports
// completion.
type Op[B IoBuf] struct {
	done chan struct{}
	res  Result[B]
}

// startOp hands buf back once cq delivers. The caller has registered the
// op with r.begin.
func startOp[B IoBuf](r *Ring, buf B, cq <-chan uring.CQE, complete func(B, uring.CQE)) *Op[B] {
	op := &Op[B]{done: make(chan struct{})}

	go func() {
		defer r.ops.Done()

		cqe := <-cq
		if complete != nil {
			complete(buf, cqe)
		}
		buf.release()

		op.res = Result[B]{N: cqe.Res, Err: cqe.Err, Buf: buf}
		close(op.done)
	}()

	return op
}

// Wait blocks until the operation completes and hands the buffer back.
func (op *Op[B]) Wait() Result[B] {
	<-op.done
	return op.res
}

// WaitContext is Wait bounded by ctx. If ctx ends first it returns
// ctx.Err() and the buffer stays with the operation: the kernel side may
// still be using the memory, so the only way to get it back is to wait
// again.
func (op *Op[B]) WaitContext(ctx context.Context) (Result[B], error) {
	select {
	case <-op.done:
		return op.res, nil
	case <-ctx.Done():
		return Result[B]{}, ctx.Err()
	}
}

// Done is closed once the operation has completed.
func (op *Op[B]) Done() <-chan struct{} {
	return op.done
}
