//go:build !windows

package tmux

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

type osProcess struct{}

func (osProcess) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// Alive probes pid with signal 0. EPERM still means the process exists.
func (osProcess) Alive(pid int) (bool, error) {
	switch err := unix.Kill(pid, 0); {
	case err == nil, errors.Is(err, unix.EPERM):
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	default:
		return false, err
	}
}
