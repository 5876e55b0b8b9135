//go:build !windows

package service

import "syscall"

// signalPID delivers sig to pid. A negative pid targets the whole process
// group, which is how TERM/KILL reach grandchildren the service spawned.
func signalPID(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// pidExists reports whether a process with this pid can still receive
// signals.
func pidExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
