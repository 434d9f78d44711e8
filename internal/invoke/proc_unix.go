//go:build !windows

package invoke

import (
	"os/exec"
	"syscall"
)

// Workers get their own process group so a graceful stop reaches any children
// they spawn.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
