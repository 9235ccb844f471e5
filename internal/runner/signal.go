package runner

import (
	"errors"
	"os"
	"syscall"
)

// SignalGroup delivers sig to every process in the child's group. A group
// that is already gone is not an error.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	if err := syscall.Kill(-p.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
