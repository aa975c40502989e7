//go:build linux

package driver

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr arranges for the kernel to kill the agent if the bridge
// dies without cleaning up.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
