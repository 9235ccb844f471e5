//go:build linux

package runner

import (
	"os/exec"
	"syscall"
)

// Isolate puts the child in its own process group and asks the kernel to
// SIGTERM it if the relay dies first.
func Isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// ptyAttrs returns the attributes passed to pty.StartWithSize. The pty
// package adds Setsid and Setctty; Setsid already makes the child a group
// leader, and Setpgid must stay unset or the fork fails with EPERM.
func ptyAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		// The child's stdout is always the terminal; stdin may be a file.
		Ctty: 1,
	}
}
