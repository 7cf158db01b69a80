//go:build unix

package transport

import (
	"os/exec"
	"syscall"
)

// setDetached starts cmd in a new session so that the job it launches can later
// be signalled as a group without touching the controller.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
