//go:build windows

package scheduler

import (
	"os"
	"syscall"
)

const createNewProcessGroup = 0x00000200

func pidAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

// signalTerm kills outright; Windows has no SIGTERM equivalent for
// arbitrary processes.
func signalTerm(p *os.Process) error {
	return p.Kill()
}

// detachSysProc starts the child in its own process group so it survives
// a daemon exit.
func detachSysProc() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}
