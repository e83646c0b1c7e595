//go:build !linux && !darwin

package directio

import "os"

const (
	AlignSize = 0
	BlockSize = 4096
	DirectIO  = false
)

// DSync is zero where O_DSYNC has no portable equivalent; writes are
// made durable with File.Sync instead.
const DSync = 0

// OpenFile falls back to os.OpenFile; the OS buffer is not bypassed.
func OpenFile(name string, flag int, perm os.FileMode) (file *os.File, err error) {
	return os.OpenFile(name, flag, perm)
}
