//go:build !linux

package runner

import (
	"os/exec"
	"syscall"
)

// Isolate puts the child in its own process group. Pdeathsig is Linux only.
func Isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func ptyAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Ctty: 1}
}
