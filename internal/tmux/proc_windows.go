package tmux

import (
	"errors"
	"syscall"
)

var errNoSignals = errors.New("tmux sessions cannot be signalled on windows")

type osProcess struct{}

func (osProcess) Signal(int, syscall.Signal) error { return errNoSignals }

func (osProcess) Alive(int) (bool, error) { return false, errNoSignals }
