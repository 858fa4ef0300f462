//go:build windows

package spawn

import (
	"errors"
	"os"
	"os/exec"
)

// Windows has no process-group signals; the child is killed directly.
func configureProcessGroup(*exec.Cmd) {}

func terminateProcess(process *os.Process, _ bool) error {
	return process.Kill()
}

func killProcess(process *os.Process, _ bool) error {
	return process.Kill()
}

func processGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}

func signalExitCode(*os.ProcessState) int {
	return -1
}
