//go:build windows

package procfn

import (
	"errors"
	"os"
	"os/exec"
)

func configureSysProcAttr(cmd *exec.Cmd) {}

// killProcessGroup terminates the child process. Windows has no POSIX
// process groups; descendants spawned by the function are not reached.
func killProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
