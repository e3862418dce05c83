//go:build !linux

package fileio

import (
	"errors"
	"os"
	"syscall"
	"unsafe"
)

const directFlag = 0

func isDeviceFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

func syncFile(f *os.File) error {
	return f.Sync()
}

func addressOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
