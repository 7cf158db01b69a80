//go:build !unix

package transport

import "os/exec"

func setDetached(*exec.Cmd) {}
