//go:build unix

package pidfile

import (
	"fmt"
	"os"
	"syscall"
)

// flock takes or releases an advisory lock on the whole tracking file.
func flock(file *os.File, exclusive bool) error {
	how := syscall.LOCK_UN
	if exclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(file.Fd()), how); err != nil {
		return fmt.Errorf("flock %s: %w", file.Name(), err)
	}
	return nil
}
