package dmafile

import (
	"errors"

	"github.com/alexhholmes/dmafile/internal/uring"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrInvalidSize      = errors.New("size must be greater than zero")
	ErrInvalidAlignment = errors.New("alignment must be a power of two")

	ErrBufferFull     = errors.New("buffer has insufficient remaining capacity")
	ErrBufferInFlight = errors.New("buffer is owned by an in-flight operation")
	ErrBufferFreed    = errors.New("buffer has been freed")

	ErrFileClosed = errors.New("file is closed")
	ErrMisaligned = errors.New("direct I/O requires block-aligned address, length and offset")

	ErrRingClosed = uring.ErrClosed
)
