//go:build unix

package utils

import (
	"os/exec"
	"syscall"
)

// detach moves the child into its own process group, so a terminal Ctrl+C
// reaches only muzzle. Children are stopped through their context.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
