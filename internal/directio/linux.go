//go:build linux

package directio

import (
	"os"

	"golang.org/x/sys/unix"
)

const (
	AlignSize = 4096
	BlockSize = 4096
	DirectIO  = true
)

// OpenFile is a modified version of os.OpenFile which sets O_DIRECT.
func OpenFile(name string, flag int, perm os.FileMode) (file *os.File, err error) {
	return os.OpenFile(name, unix.O_DIRECT|flag, perm)
}

// DSync is the open flag requesting synchronous data writes.
const DSync = unix.O_DSYNC
