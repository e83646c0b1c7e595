package dmafile

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/alexhholmes/dmafile/internal/directio"
)

const hello = "hello world..."

// tempPath creates an empty file in the working directory. /tmp is often a
// tmpfs, which does not support direct I/O.
func tempPath(t *testing.T) string {
	t.Helper()

	f, err := os.CreateTemp(".", "dmafile-*.tmp")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	path := f.Name()
	t.Cleanup(func() { _ = os.Remove(path) })
	return path
}

func newTestRing(t *testing.T, opts ...RingOption) *Ring {
	t.Helper()

	ring := NewRing(opts...)
	t.Cleanup(func() { _ = ring.Close() })
	return ring
}

// openFile opens path through ring and skips the test when the filesystem
// rejects O_DIRECT.
func openFile(t *testing.T, ring *Ring, path string, opts ...OpenOption) *File {
	t.Helper()

	f, err := OpenFile(ring, path, opts...)
	if err != nil && errors.Is(err, unix.EINVAL) {
		t.Skipf("filesystem does not support direct I/O: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestDirectRead(t *testing.T) {
	t.Parallel()

	path := tempPath(t)
	require.NoError(t, os.WriteFile(path, []byte(hello), 0600))

	ring := newTestRing(t)
	f := openFile(t, ring, path, WithRead(), WithDSync())

	buf := Alloc(MustLayout(4096, 4096))
	defer buf.Free()

	op, err := ReadAt(context.Background(), f, buf, 0)
	require.NoError(t, err)
	res := op.Wait()

	require.NoError(t, res.Err)
	assert.Equal(t, len(hello), res.N)
	assert.Same(t, buf, res.Buf)
	assert.Equal(t, len(hello), res.Buf.Len(), "view must cover bytes read, not capacity")
	assert.Len(t, res.Buf.Bytes(), len(hello))
	assert.Equal(t, hello, string(res.Buf.Bytes()))
}

func TestDirectWriteThenRead(t *testing.T) {
	t.Parallel()

	path := tempPath(t)
	ring := newTestRing(t)
	f := openFile(t, ring, path, WithRead(), WithWrite(), WithCreate(), WithTruncate(), WithDSync())

	buf := Alloc(MustLayout(4096, 4096))
	defer buf.Free()

	buf.Extend([]byte(hello))
	buf.ExtendZero(4096 - len(hello))
	require.Equal(t, 4096, buf.Len())

	op, err := WriteAt(context.Background(), f, buf, 0)
	require.NoError(t, err)
	res := op.Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, 4096, res.N)
	assert.Equal(t, 4096, res.Buf.Len(), "write must not change the initialized length")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, res.Buf.Bytes(), data)

	back := Alloc(MustLayout(4096, 4096))
	defer back.Free()

	rop, err := ReadAt(context.Background(), f, back, 0)
	require.NoError(t, err)
	rres := rop.Wait()
	require.NoError(t, rres.Err)
	require.Equal(t, 4096, rres.N)
	assert.Equal(t, hello, string(rres.Buf.Bytes()[:len(hello)]))
	assert.Equal(t, make([]byte, 4096-len(hello)), rres.Buf.Bytes()[len(hello):])
	assert.Equal(t, buf.Sum64(), back.Sum64())
}

func TestDirectRoundTripBlocks(t *testing.T) {
	t.Parallel()

	const blocks = 8

	path := tempPath(t)
	ring := newTestRing(t, WithWorkers(4), WithEntries(4))
	f := openFile(t, ring, path, WithRead(), WithWrite())

	ops := make([]*Op[*Buffer], 0, blocks)
	sums := make([]uint64, blocks)
	for i := 0; i < blocks; i++ {
		buf := Alloc(BlockLayout(1))
		buf.Extend(bytes.Repeat([]byte{byte('a' + i)}, directio.BlockSize))
		sums[i] = buf.Sum64()

		op, err := WriteAt(context.Background(), f, buf, int64(i*directio.BlockSize))
		require.NoError(t, err)
		ops = append(ops, op)
	}
	for _, op := range ops {
		res := op.Wait()
		require.NoError(t, res.Err)
		assert.Equal(t, directio.BlockSize, res.N)
		res.Buf.Free()
	}
	require.NoError(t, f.Sync(context.Background()))

	all := Alloc(BlockLayout(blocks))
	defer all.Free()

	op, err := ReadAt(context.Background(), f, all, 0)
	require.NoError(t, err)
	res := op.Wait()
	require.NoError(t, res.Err)
	require.Equal(t, blocks*directio.BlockSize, res.N)

	for i := 0; i < blocks; i++ {
		block := all.Bytes()[i*directio.BlockSize : (i+1)*directio.BlockSize]
		assert.Equal(t, sums[i], xxhash.Sum64(block), "block %d", i)
	}

	stats := ring.Stats()
	assert.Equal(t, uint64(blocks*directio.BlockSize), stats.Written)
	assert.Equal(t, uint64(blocks*directio.BlockSize), stats.Read)
	assert.Zero(t, stats.Failed)
}

func TestIOFailureReturnsBuffer(t *testing.T) {
	t.Parallel()

	path := tempPath(t)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{'z'}, 4096), 0600))
	ring := newTestRing(t)

	t.Run("write to read-only file", func(t *testing.T) {
		f := openFile(t, ring, path, WithRead())

		buf := Alloc(MustLayout(4096, 4096))
		defer buf.Free()
		buf.Extend(bytes.Repeat([]byte{'q'}, 4096))

		op, err := WriteAt(context.Background(), f, buf, 0)
		require.NoError(t, err)
		res := op.Wait()

		assert.ErrorIs(t, res.Err, unix.EBADF)
		assert.Zero(t, res.N)
		assert.Same(t, buf, res.Buf)
		assert.Equal(t, 4096, res.Buf.Len())
		assert.Equal(t, bytes.Repeat([]byte{'q'}, 4096), res.Buf.Bytes())
	})

	t.Run("read from write-only file", func(t *testing.T) {
		f := openFile(t, ring, path, WithWrite())

		buf := Alloc(MustLayout(8192, 4096))
		defer buf.Free()
		buf.Extend(bytes.Repeat([]byte{'p'}, 4096))

		op, err := ReadAt(context.Background(), f, buf, 0)
		require.NoError(t, err)
		res := op.Wait()

		assert.ErrorIs(t, res.Err, unix.EBADF)
		assert.Zero(t, res.N)
		assert.Equal(t, 4096, res.Buf.Len(), "failed read must keep the prior initialized length")
	})

	assert.Equal(t, uint64(2), ring.Stats().Failed)
}

func TestInFlightBufferIsOwnedByOperation(t *testing.T) {
	t.Parallel()

	path := tempPath(t)
	// 8 KiB at 4 KiB/s keeps the write in flight for about a second.
	ring := newTestRing(t, WithRateLimit(4096))
	f := openFile(t, ring, path, WithWrite())

	buf := Alloc(BlockLayout(2))
	defer buf.Free()
	buf.ExtendZero(buf.Cap())

	op, err := WriteAt(context.Background(), f, buf, 0)
	require.NoError(t, err)

	_, err = WriteAt(context.Background(), f, buf, 0)
	assert.ErrorIs(t, err, ErrBufferInFlight)
	assert.Panics(t, func() { buf.Bytes() })
	assert.Panics(t, func() { buf.Free() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = op.WaitContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Cancelling the wait did not hand the buffer back.
	_, err = WriteAt(context.Background(), f, buf, 0)
	assert.ErrorIs(t, err, ErrBufferInFlight)

	res, err := op.WaitContext(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 8192, res.N)
	assert.Equal(t, 8192, res.Buf.Len())

	select {
	case <-op.Done():
	default:
		t.Fatal("Done not closed after completion")
	}
}

func TestMisalignedDirectSubmission(t *testing.T) {
	t.Parallel()

	path := tempPath(t)
	ring := newTestRing(t)
	f := openFile(t, ring, path, WithRead(), WithWrite())
	if !f.Direct() || directio.AlignSize == 0 {
		t.Skip("platform has no direct I/O alignment requirement")
	}

	buf := Alloc(MustLayout(4096, 4096))
	defer buf.Free()
	buf.Extend([]byte(hello))

	_, err := WriteAt(context.Background(), f, buf, 0)
	assert.ErrorIs(t, err, ErrMisaligned, "14-byte write is not a block multiple")
	assert.Equal(t, len(hello), buf.Len(), "rejected submission must leave the buffer with the caller")

	_, err = ReadAt(context.Background(), f, buf, 512)
	assert.ErrorIs(t, err, ErrMisaligned)

	assert.Zero(t, ring.Stats().Submitted)
}

func TestBufferedFile(t *testing.T) {
	t.Parallel()

	ring := newTestRing(t)
	path := filepath.Join(t.TempDir(), "buffered.dat")
	f := openFile(t, ring, path, WithRead(), WithWrite(), WithCreate(), WithDirect(false), WithPerm(0640))
	assert.False(t, f.Direct())
	assert.Equal(t, path, f.Name())

	buf := Alloc(MustLayout(64, 1))
	defer buf.Free()
	buf.Extend([]byte(hello))

	op, err := WriteAt(context.Background(), f, buf, 3)
	require.NoError(t, err)
	res := op.Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, len(hello), res.N)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0, 0, 0}, hello...), data)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm()&0600)
}

func TestSubmitToClosedFileOrRing(t *testing.T) {
	t.Parallel()

	path := tempPath(t)
	ring := NewRing()
	f1 := openFile(t, ring, path, WithRead())
	f2 := openFile(t, ring, path, WithRead())

	buf := Alloc(MustLayout(4096, 4096))
	defer buf.Free()

	require.NoError(t, f1.Close())
	require.NoError(t, f1.Close())
	_, err := ReadAt(context.Background(), f1, buf, 0)
	assert.ErrorIs(t, err, ErrFileClosed)
	assert.ErrorIs(t, f1.Sync(context.Background()), ErrFileClosed)
	assert.Zero(t, buf.Len(), "buffer must stay with the caller")

	require.NoError(t, ring.Close())
	_, err = ReadAt(context.Background(), f2, buf, 0)
	assert.ErrorIs(t, err, ErrRingClosed)
	assert.NoError(t, f2.Close())
}

func TestSubmitFreedBuffer(t *testing.T) {
	t.Parallel()

	path := tempPath(t)
	ring := newTestRing(t)
	f := openFile(t, ring, path, WithWrite())

	buf := Alloc(MustLayout(4096, 4096))
	buf.Free()

	_, err := WriteAt(context.Background(), f, buf, 0)
	assert.ErrorIs(t, err, ErrBufferFreed)
}

func TestRingCloseHandsBackBuffers(t *testing.T) {
	t.Parallel()

	ring := NewRing(WithEntries(4), WithWorkers(2))
	path := filepath.Join(t.TempDir(), "drain.dat")
	f := openFile(t, ring, path, WithWrite(), WithCreate(), WithDirect(false))

	ops := make([]*Op[*Buffer], 0, 16)
	for i := 0; i < 16; i++ {
		buf := Alloc(MustLayout(512, 512))
		buf.ExtendZero(512)
		op, err := WriteAt(context.Background(), f, buf, int64(i*512))
		require.NoError(t, err)
		ops = append(ops, op)
	}

	require.NoError(t, ring.Close())

	for i, op := range ops {
		select {
		case <-op.Done():
		default:
			t.Fatalf("op %d still holds its buffer after Close", i)
		}
		res := op.Wait()
		require.NoError(t, res.Err)
		assert.Equal(t, 512, res.N)
		res.Buf.Free()
	}

	stats := ring.Stats()
	assert.Equal(t, uint64(16), stats.Submitted)
	assert.Equal(t, uint64(16), stats.Completed)
}
