package dmafile

import (
	"fmt"

	"github.com/alexhholmes/dmafile/internal/directio"
)

// Layout describes a memory block: its size in bytes and the power of two
// its address must be a multiple of.
type Layout struct {
	size  int
	align int
}

// NewLayout validates size and align.
func NewLayout(size, align int) (Layout, error) {
	if size <= 0 {
		return Layout{}, fmt.Errorf("layout size %d: %w", size, ErrInvalidSize)
	}
	if align <= 0 || align&(align-1) != 0 {
		return Layout{}, fmt.Errorf("layout alignment %d: %w", align, ErrInvalidAlignment)
	}
	return Layout{size: size, align: align}, nil
}

// MustLayout is like NewLayout but panics on invalid input.
func MustLayout(size, align int) Layout {
	l, err := NewLayout(size, align)
	if err != nil {
		panic(err)
	}
	return l
}

// BlockLayout returns a layout of n direct I/O blocks aligned to the block
// size.
func BlockLayout(n int) Layout {
	return MustLayout(n*directio.BlockSize, directio.BlockSize)
}

func (l Layout) Size() int  { return l.size }
func (l Layout) Align() int { return l.align }

// DirectIO reports whether size and alignment are both whole multiples of
// the direct I/O block size.
func (l Layout) DirectIO() bool {
	return l.size > 0 &&
		l.size%directio.BlockSize == 0 &&
		l.align%directio.BlockSize == 0
}

func (l Layout) String() string {
	return fmt.Sprintf("Layout{size: %d, align: %d}", l.size, l.align)
}
