//go:build windows

package supervise

import (
	"os"
	"syscall"
)

// osProber on Windows can only ask whether the pid can be opened; signature
// matching and orphan discovery are unavailable.
type osProber struct{}

func (osProber) Alive(pid int, _ string) (bool, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	return proc.Signal(syscall.Signal(0)) == nil, nil
}

func (osProber) FindBySignature(_ string) ([]int, error) {
	return nil, nil
}

func (osProber) Terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func (osProber) Kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
