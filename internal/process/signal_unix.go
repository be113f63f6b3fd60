//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// Terminate asks pid (or its whole process group) to exit.
func Terminate(pid int, group bool) error { return signal(pid, group, syscall.SIGTERM) }

// Kill force-terminates pid (or its whole process group).
func Kill(pid int, group bool) error { return signal(pid, group, syscall.SIGKILL) }

func signal(pid int, group bool, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	target := pid
	if group {
		target = -pid
	}
	err := syscall.Kill(target, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Alive reports whether pid exists and is not a zombie. EPERM counts as
// alive: the process exists but belongs to someone else.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return true
}

// InGroup reports whether pid belongs to the process group led by leader.
func InGroup(pid, leader int) bool {
	if pid <= 0 || leader <= 0 {
		return false
	}
	pgid, err := syscall.Getpgid(pid)
	return err == nil && pgid == leader
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
