//go:build windows

package invoke

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}
