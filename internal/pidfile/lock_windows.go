//go:build windows

package pidfile

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

var (
	kernel32     = syscall.NewLazyDLL("kernel32.dll")
	lockFileEx   = kernel32.NewProc("LockFileEx")
	unlockFileEx = kernel32.NewProc("UnlockFileEx")
)

const lockfileExclusiveLock = 0x00000002

// flock takes or releases a lock on the first byte of the tracking file.
func flock(file *os.File, exclusive bool) error {
	ol := syscall.Overlapped{}
	var r1 uintptr
	var err error
	if exclusive {
		r1, _, err = lockFileEx.Call(uintptr(file.Fd()), lockfileExclusiveLock, 0, 1, 0, uintptr(unsafe.Pointer(&ol)))
	} else {
		r1, _, err = unlockFileEx.Call(uintptr(file.Fd()), 0, 1, 0, uintptr(unsafe.Pointer(&ol)))
	}
	if r1 == 0 {
		return fmt.Errorf("lock %s: %w", file.Name(), err)
	}
	return nil
}
