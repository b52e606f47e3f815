//go:build windows
// +build windows

package runner

import (
	"io/fs"
	"os/exec"

	"github.com/pkg/errors"
)

func setProcessGroup(cmd *exec.Cmd) {}

// killTree kills the process only. Windows has no process groups in
// the POSIX sense; the tool set driven by sourcemerge is Linux-only
// anyway.
func killTree(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
