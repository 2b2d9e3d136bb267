//go:build !windows

package kiln

import (
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(_ *exec.Cmd, pgid int) {
	syscall.Kill(-pgid, syscall.SIGKILL)
}
