//go:build windows

package service

import "os/exec"

func getShellCommand(script string) *exec.Cmd {
	// #nosec G204 -- script comes from the operator's own config
	return exec.Command("cmd", "/c", script)
}

func getTrueCommand() *exec.Cmd {
	return exec.Command("cmd", "/c", "rem")
}
