//go:build !windows

package service

import "os/exec"

func getShellCommand(script string) *exec.Cmd {
	// #nosec G204 -- script comes from the operator's own config
	return exec.Command("/bin/sh", "-c", script)
}

func getTrueCommand() *exec.Cmd {
	return exec.Command("/bin/true")
}
