//go:build !windows

package spawn

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcessGroup places the child in its own process group so
// termination reaches every process it started.
func configureProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func terminateProcess(process *os.Process, group bool) error {
	return signalProcess(process, group, unix.SIGTERM)
}

func killProcess(process *os.Process, group bool) error {
	return signalProcess(process, group, unix.SIGKILL)
}

func signalProcess(process *os.Process, group bool, sig unix.Signal) error {
	if group {
		if err := unix.Kill(-process.Pid, sig); err == nil || !errors.Is(err, unix.ESRCH) {
			return err
		}
	}
	return process.Signal(sig)
}

func processGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, unix.ESRCH)
}

func signalExitCode(state *os.ProcessState) int {
	status, ok := state.Sys().(syscall.WaitStatus)
	if ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return -1
}
