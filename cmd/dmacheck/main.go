// dmacheck writes a deterministic pattern to a file through page-aligned
// buffers with direct I/O, reads it back through fresh buffers and verifies
// every block by checksum.
//
// Usage:
//
//	dmacheck [options] <file>
//
// Options:
//
//	-n, --blocks        Number of blocks to write (default: 256)
//	-b, --block-size    Block size in bytes, a multiple of 4096 (default: 4096)
//	    --align         Buffer alignment (default: 4096)
//	-e, --entries       Submission queue depth (default: 128)
//	-w, --workers       Concurrent transfers (default: 4)
//	    --rate          Throughput limit in bytes/sec, 0 for none
//	    --direct        Bypass the page cache (default: true)
//	    --dsync         Open with O_DSYNC
//	    --keep          Keep the file afterwards
//	    --mmap          Map buffers outside the Go heap
//	-v, --verbose       Log ring events
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/alexhholmes/dmafile"
	"github.com/alexhholmes/dmafile/internal/directio"
)

var errVerify = errors.New("verification failed")

type options struct {
	path      string
	blocks    int
	blockSize int
	align     int
	entries   int
	workers   int
	rate      int64
	direct    bool
	dsync     bool
	keep      bool
	mmap      bool
	verbose   bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	opts, code := parseFlags(args, errOut)
	if code >= 0 {
		return code
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))
	dmafile.SetLogger(log)

	if err := check(context.Background(), opts, out, log); err != nil {
		fmt.Fprintf(errOut, "dmacheck: %v\n", err)
		return 1
	}
	return 0
}

// parseFlags returns code -1 when the check should run.
func parseFlags(args []string, errOut io.Writer) (options, int) {
	var opts options

	fs := flag.NewFlagSet("dmacheck", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.IntVarP(&opts.blocks, "blocks", "n", 256, "number of blocks to write")
	fs.IntVarP(&opts.blockSize, "block-size", "b", directio.BlockSize, "block size in bytes")
	fs.IntVar(&opts.align, "align", directio.BlockSize, "buffer alignment")
	fs.IntVarP(&opts.entries, "entries", "e", 128, "submission queue depth")
	fs.IntVarP(&opts.workers, "workers", "w", 4, "concurrent transfers")
	fs.Int64Var(&opts.rate, "rate", 0, "throughput limit in bytes/sec, 0 for none")
	fs.BoolVar(&opts.direct, "direct", true, "bypass the page cache")
	fs.BoolVar(&opts.dsync, "dsync", false, "open with O_DSYNC")
	fs.BoolVar(&opts.keep, "keep", false, "keep the file afterwards")
	fs.BoolVar(&opts.mmap, "mmap", false, "map buffers outside the Go heap")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "log ring events")
	fs.Usage = func() {
		fmt.Fprintln(errOut, "Usage: dmacheck [options] <file>")
		fmt.Fprintln(errOut)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, 0
		}
		fmt.Fprintf(errOut, "dmacheck: %v\n", err)
		return opts, 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opts, 2
	}
	opts.path = fs.Arg(0)

	if opts.blocks <= 0 {
		fmt.Fprintln(errOut, "dmacheck: --blocks must be positive")
		return opts, 2
	}
	if opts.blockSize <= 0 || (opts.direct && opts.blockSize%directio.BlockSize != 0) {
		fmt.Fprintf(errOut, "dmacheck: --block-size must be a positive multiple of %d\n", directio.BlockSize)
		return opts, 2
	}
	if _, err := dmafile.NewLayout(opts.blockSize, opts.align); err != nil {
		fmt.Fprintf(errOut, "dmacheck: %v\n", err)
		return opts, 2
	}

	return opts, -1
}

func check(ctx context.Context, opts options, out io.Writer, log dmafile.Logger) (err error) {
	layout := dmafile.MustLayout(opts.blockSize, opts.align)

	ring := dmafile.NewRing(
		dmafile.WithEntries(opts.entries),
		dmafile.WithWorkers(opts.workers),
		dmafile.WithRateLimit(opts.rate),
		dmafile.WithLogger(log),
	)
	defer func() {
		if cerr := ring.Close(); err == nil {
			err = cerr
		}
	}()

	openOpts := []dmafile.OpenOption{
		dmafile.WithRead(), dmafile.WithWrite(), dmafile.WithCreate(), dmafile.WithTruncate(),
		dmafile.WithDirect(opts.direct),
	}
	if opts.dsync {
		openOpts = append(openOpts, dmafile.WithDSync())
	}
	f, err := dmafile.OpenFile(ring, opts.path, openOpts...)
	if err != nil {
		return fmt.Errorf("open %s: %w", opts.path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if !opts.keep {
			_ = os.Remove(opts.path)
		}
	}()

	a := dmafile.HeapAllocator()
	if opts.mmap {
		a = dmafile.PageAllocator()
	}

	start := time.Now()
	sums, err := writeBlocks(ctx, f, a, layout, opts.blocks)
	if err != nil {
		return err
	}
	if err := f.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	wrote := time.Since(start)

	start = time.Now()
	bad, err := verifyBlocks(ctx, f, a, layout, sums, log)
	if err != nil {
		return err
	}
	read := time.Since(start)

	total := int64(opts.blocks) * int64(opts.blockSize)
	stats := ring.Stats()
	fmt.Fprintf(out, "file:      %s (direct=%t)\n", f.Name(), f.Direct())
	fmt.Fprintf(out, "blocks:    %d x %d bytes, align %d\n", opts.blocks, opts.blockSize, opts.align)
	fmt.Fprintf(out, "write:     %s (%s/s)\n", wrote.Round(time.Microsecond), throughput(total, wrote))
	fmt.Fprintf(out, "read:      %s (%s/s)\n", read.Round(time.Microsecond), throughput(total, read))
	fmt.Fprintf(out, "ops:       %d submitted, %d failed\n", stats.Submitted, stats.Failed)

	if bad > 0 {
		return fmt.Errorf("%d of %d blocks: %w", bad, opts.blocks, errVerify)
	}
	fmt.Fprintf(out, "verified:  %d blocks\n", opts.blocks)
	return nil
}

// writeBlocks writes every block and returns their checksums in order.
func writeBlocks(ctx context.Context, f *dmafile.File, a dmafile.Allocator, layout dmafile.Layout, blocks int) ([]uint64, error) {
	sums := make([]uint64, blocks)
	ops := make([]*dmafile.Op[*dmafile.Buffer], 0, blocks)

	var firstErr error
	for i := 0; i < blocks; i++ {
		buf := dmafile.AllocWith(a, layout)
		fill(buf, i)
		sums[i] = buf.Sum64()

		op, err := dmafile.WriteAt(ctx, f, buf, int64(i)*int64(layout.Size()))
		if err != nil {
			buf.Free()
			firstErr = fmt.Errorf("submit write of block %d: %w", i, err)
			break
		}
		ops = append(ops, op)
	}

	for i, op := range ops {
		res := op.Wait()
		res.Buf.Free()
		if firstErr != nil {
			continue
		}
		switch {
		case res.Err != nil:
			firstErr = fmt.Errorf("write block %d: %w", i, res.Err)
		case res.N != layout.Size():
			firstErr = fmt.Errorf("write block %d: short write of %d bytes", i, res.N)
		}
	}

	return sums, firstErr
}

// verifyBlocks reads every block into a fresh buffer and compares checksums.
func verifyBlocks(ctx context.Context, f *dmafile.File, a dmafile.Allocator, layout dmafile.Layout, sums []uint64,
	log dmafile.Logger) (int, error) {
	bad := 0
	for i, want := range sums {
		buf := dmafile.AllocWith(a, layout)

		op, err := dmafile.ReadAt(ctx, f, buf, int64(i)*int64(layout.Size()))
		if err != nil {
			buf.Free()
			return bad, fmt.Errorf("submit read of block %d: %w", i, err)
		}
		res := op.Wait()

		switch {
		case res.Err != nil:
			err = fmt.Errorf("read block %d: %w", i, res.Err)
		case res.N != layout.Size():
			log.Error("short read", "block", i, "bytes", res.N)
			bad++
		case res.Buf.Sum64() != want:
			log.Error("checksum mismatch", "block", i, "want", want, "got", res.Buf.Sum64())
			bad++
		}
		res.Buf.Free()
		if err != nil {
			return bad, err
		}
	}
	return bad, nil
}

// fill writes the pattern for block i: little-endian words of the block
// index in the high half and the byte offset in the low half.
func fill(buf *dmafile.Buffer, i int) {
	var word [8]byte
	for off := 0; buf.Remaining() >= len(word); off += len(word) {
		binary.LittleEndian.PutUint64(word[:], uint64(i)<<32|uint64(off))
		buf.Extend(word[:])
	}
	buf.ExtendZero(buf.Remaining())
}

func throughput(n int64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	perSec := float64(n) / d.Seconds()
	const unit = 1024
	if perSec < unit {
		return fmt.Sprintf("%.0f B", perSec)
	}
	div, exp := float64(unit), 0
	for v := perSec / unit; v >= unit && exp < 3; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", perSec/div, "KMGT"[exp])
}
