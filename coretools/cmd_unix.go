//go:build !windows

package coretools

import (
	"os"
	"syscall"
)

func shellCommand() (string, string) {
	return "/bin/bash", "-c"
}

func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(proc *os.Process) error {
	return syscall.Kill(-proc.Pid, syscall.SIGKILL)
}
