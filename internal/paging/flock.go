package paging

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// flock acquires a non-blocking exclusive advisory lock on the file.
func flock(file *os.File) error {
	err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok && (errno == syscall.EWOULDBLOCK || errno == syscall.EAGAIN) {
		return ErrPageLocked
	}
	return errors.Wrap(err, "flock")
}

// funlock releases an advisory lock on the file.
func funlock(file *os.File) error {
	return syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
}
