//go:build windows

package coretools

import (
	"os"
	"syscall"
)

func shellCommand() (string, string) {
	return "cmd.exe", "/c"
}

func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

func killProcessGroup(proc *os.Process) error {
	return proc.Kill()
}
