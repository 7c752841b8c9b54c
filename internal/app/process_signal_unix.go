//go:build !windows

package app

import "syscall"

// processExists checks a pid with the null signal. EPERM still means the
// process is alive, just owned by someone else.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	switch err := syscall.Kill(pid, 0); err {
	case nil, syscall.EPERM:
		return true
	default:
		return false
	}
}
