//go:build linux

package fileio

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const directFlag = unix.O_DIRECT

func isDeviceFull(err error) bool {
	return errors.Is(err, unix.ENOSPC)
}

func syncFile(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

func addressOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
