//go:build windows

package daemon

import "os"

func pidAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

func terminate(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}

func kill(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}
