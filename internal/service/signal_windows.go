//go:build windows

package service

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

// signalPID approximates Unix signalling on Windows: any real signal
// terminates the process, signal 0 probes existence. Group targeting
// (negative pid) falls back to the group leader.
func signalPID(pid int, sig syscall.Signal) error {
	if pid < 0 {
		pid = -pid
	}
	if pid == 0 {
		return nil
	}
	if sig == 0 {
		if !pidExists(pid) {
			return syscall.ESRCH
		}
		return nil
	}
	h, err := openHandle(processTerminate, pid)
	if err != nil {
		// Already gone; treat like signalling a reaped Unix process.
		return nil
	}
	defer closeHandle(h)
	ret, _, callErr := procTerminateProcess.Call(uintptr(h), uintptr(1))
	if ret == 0 {
		return callErr
	}
	return nil
}

func pidExists(pid int) bool {
	if pid < 0 {
		pid = -pid
	}
	h, err := openHandle(processQueryInformation, pid)
	if err != nil {
		return false
	}
	closeHandle(h)
	return true
}

func openHandle(access uint32, pid int) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(uint32(pid)))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(h syscall.Handle) {
	_, _, _ = procCloseHandle.Call(uintptr(h))
}
