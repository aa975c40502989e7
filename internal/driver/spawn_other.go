//go:build !linux

package driver

import "os/exec"

func setSysProcAttr(cmd *exec.Cmd) {}
