//go:build !windows
// +build !windows

package runner

import (
	"io/fs"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
)

// setProcessGroup puts the child in its own process group so the whole
// tree can be killed at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree kills the process and everything it spawned.
func killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid addresses the process group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// isNotFound reports whether err is a "no such executable" start error.
func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOENT)
}
