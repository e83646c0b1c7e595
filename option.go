package dmafile

import (
	"os"

	"github.com/alexhholmes/dmafile/internal/directio"
	"github.com/alexhholmes/dmafile/internal/uring"
)

// RingOptions configures the completion ring.
type RingOptions struct {
	entries     int   // Submission queue depth; bounds operations in flight.
	workers     int   // Goroutines performing transfers.
	bytesPerSec int64 // Transfer rate limit. 0 means no limit.
	logger      Logger
}

// DefaultRingOptions returns the default ring configuration.
//
// goland:noinspection GoUnusedExportedFunction
func DefaultRingOptions() RingOptions {
	return RingOptions{
		entries: uring.DefaultEntries,
		workers: uring.DefaultWorkers,
		logger:  DiscardLogger{},
	}
}

// RingOption configures ring options using the functional options pattern.
type RingOption func(*RingOptions)

// WithEntries sets the submission queue depth. Submissions block while this
// many operations are in flight.
//
//goland:noinspection GoUnusedExportedFunction
func WithEntries(n int) RingOption {
	return func(opts *RingOptions) {
		opts.entries = n
	}
}

// WithWorkers sets how many transfers may run concurrently.
//
//goland:noinspection GoUnusedExportedFunction
func WithWorkers(n int) RingOption {
	return func(opts *RingOptions) {
		opts.workers = n
	}
}

// WithRateLimit caps read and write throughput in bytes per second.
//
//goland:noinspection GoUnusedExportedFunction
func WithRateLimit(bytesPerSec int64) RingOption {
	return func(opts *RingOptions) {
		opts.bytesPerSec = bytesPerSec
	}
}

// WithLogger sets the ring logger. *slog.Logger satisfies Logger directly.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) RingOption {
	return func(opts *RingOptions) {
		if l != nil {
			opts.logger = l
		}
	}
}

// OpenOptions configures how OpenFile opens a file.
type OpenOptions struct {
	read     bool
	write    bool
	create   bool
	truncate bool
	dsync    bool // O_DSYNC: writes complete once data is on stable storage.
	direct   bool // Bypass the OS page cache.
	perm     os.FileMode
}

// DefaultOpenOptions returns read-only direct I/O with 0600 permissions for
// created files.
//
// goland:noinspection GoUnusedExportedFunction
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{
		direct: true,
		perm:   0600,
	}
}

// OpenOption configures open options using the functional options pattern.
type OpenOption func(*OpenOptions)

//goland:noinspection GoUnusedExportedFunction
func WithRead() OpenOption {
	return func(opts *OpenOptions) {
		opts.read = true
	}
}

//goland:noinspection GoUnusedExportedFunction
func WithWrite() OpenOption {
	return func(opts *OpenOptions) {
		opts.write = true
	}
}

// WithCreate creates the file if it does not exist. Requires WithWrite.
//
//goland:noinspection GoUnusedExportedFunction
func WithCreate() OpenOption {
	return func(opts *OpenOptions) {
		opts.create = true
	}
}

// WithTruncate truncates an existing file. Requires WithWrite.
//
//goland:noinspection GoUnusedExportedFunction
func WithTruncate() OpenOption {
	return func(opts *OpenOptions) {
		opts.truncate = true
	}
}

//goland:noinspection GoUnusedExportedFunction
func WithDSync() OpenOption {
	return func(opts *OpenOptions) {
		opts.dsync = true
	}
}

// WithDirect toggles direct I/O. It is on by default.
//
//goland:noinspection GoUnusedExportedFunction
func WithDirect(direct bool) OpenOption {
	return func(opts *OpenOptions) {
		opts.direct = direct
	}
}

//goland:noinspection GoUnusedExportedFunction
func WithPerm(perm os.FileMode) OpenOption {
	return func(opts *OpenOptions) {
		opts.perm = perm
	}
}

func (o OpenOptions) flags() int {
	var flag int
	switch {
	case o.read && o.write:
		flag = os.O_RDWR
	case o.write:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}
	if o.create {
		flag |= os.O_CREATE
	}
	if o.truncate {
		flag |= os.O_TRUNC
	}
	if o.dsync {
		flag |= directio.DSync
	}
	return flag
}
