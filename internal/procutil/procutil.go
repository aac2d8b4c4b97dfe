package procutil

import (
	"errors"
	"syscall"
)

// PIDAlive reports whether a process with the given pid exists. Signal 0
// probes without delivering; EPERM still means the process is there.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
