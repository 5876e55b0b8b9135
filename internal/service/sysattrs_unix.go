//go:build !windows

package service

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the child in its own process group so stop and
// kill reach everything it forked.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
