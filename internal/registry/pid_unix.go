//go:build !windows

package registry

import (
	"errors"
	"os"
	"syscall"
)

// pidAlive reports whether a process with the given pid exists. Signal 0
// probes without delivering; EPERM still means alive.
func pidAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPERM
	}
	return false
}
