//go:build windows

package runner

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup hides the console window. Windows has no process
// groups to signal, so cancellation falls back to killing the child.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
