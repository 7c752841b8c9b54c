//go:build windows

package app

import "golang.org/x/sys/windows"

// GetExitCodeProcess reports this pseudo-code while a process is running.
const stillActiveExitCode = 259

// processExists asks the kernel for the process exit code; a terminated pid
// can still be opened while something holds a handle, so the handle alone
// proves nothing.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}

	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActiveExitCode
}
