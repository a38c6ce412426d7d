//go:build !windows

package scheduler

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

// signalTerm asks the process to shut down cooperatively.
func signalTerm(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// detachSysProc places the child in its own session so it survives a
// daemon exit and can be re-adopted by the next daemon.
func detachSysProc() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
