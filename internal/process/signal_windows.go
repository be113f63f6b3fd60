//go:build windows

package process

import (
	"errors"
	"os/exec"
	"strconv"
	"syscall"
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

// Terminate asks pid to exit. taskkill without /F posts WM_CLOSE, the
// closest Windows gets to SIGTERM; /T includes the child tree.
func Terminate(pid int, group bool) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	args := []string{"/PID", strconv.Itoa(pid)}
	if group {
		args = append(args, "/T")
	}
	// #nosec G204
	_ = exec.Command("taskkill", args...).Run()
	return nil
}

// Kill force-terminates pid, and its tree when group is set.
func Kill(pid int, group bool) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	if group {
		// #nosec G204
		if err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run(); err == nil {
			return nil
		}
	}
	h, err := syscall.OpenProcess(processTerminate, false, uint32(pid))
	if err != nil {
		// already gone
		return nil
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	return syscall.TerminateProcess(h, 1)
}

// Alive reports whether a process with pid can be opened and has not exited.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	const stillActive = 259
	return code == stillActive
}

// InGroup has no cheap equivalent on Windows; descendant checks cover it.
func InGroup(pid, leader int) bool { return false }
