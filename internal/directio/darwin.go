//go:build darwin

package directio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	AlignSize = 0
	BlockSize = 4096
	DirectIO  = true
)

// DSync is the open flag requesting synchronous data writes.
const DSync = unix.O_DSYNC

func OpenFile(name string, flag int, perm os.FileMode) (file *os.File, err error) {
	file, err = os.OpenFile(name, flag, perm)
	if err != nil {
		return
	}

	// Insert F_NOCACHE to avoid OS caching
	if _, err = unix.FcntlInt(file.Fd(), unix.F_NOCACHE, 1); err != nil {
		err = fmt.Errorf("failed to set F_NOCACHE: %w", err)
		file.Close()
		file = nil
	}

	return
}
