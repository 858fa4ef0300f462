//go:build !windows

package spawn

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"github.com/muesli/cancelreader"
	"golang.org/x/term"
)

// spawnPTY starts cmd on a pseudo-terminal. When the caller's stdin is a
// terminal it is switched to raw mode for the child's lifetime and resized
// along with it.
func (s *Spawner) spawnPTY(cmd *exec.Cmd, opts Options) (*Child, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		if errors.Is(err, pty.ErrUnsupported) {
			return nil, fmt.Errorf("%w: %v", ErrPTYUnsupported, err)
		}
		return nil, classifyStartError(cmd.Path, err)
	}

	// pty.Start makes the child a session leader, so its pid is also its process group.
	child := newChild(cmd, ptmx, true)

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	fd := int(stdin.Fd())
	if term.IsTerminal(fd) {
		if err := pty.InheritSize(stdin, ptmx); err != nil {
			s.logger.Debug("inherit terminal size", "err", err)
		}
		if state, rawErr := term.MakeRaw(fd); rawErr == nil {
			child.addCleanup(func() { _ = term.Restore(fd, state) })
		} else {
			s.logger.Warn("could not switch terminal to raw mode", "err", rawErr)
		}

		resize := make(chan os.Signal, 1)
		signal.Notify(resize, syscall.SIGWINCH)
		go func() {
			for range resize {
				_ = pty.InheritSize(stdin, ptmx)
			}
		}()
		child.addCleanup(func() {
			signal.Stop(resize)
			close(resize)
		})
	}

	reader, err := cancelreader.NewReader(stdin)
	if err != nil {
		_ = child.Terminate(0)
		_ = child.Close()
		return nil, fmt.Errorf("wrap stdin for pty: %w", err)
	}
	go func() {
		_, _ = io.Copy(ptmx, reader)
	}()
	child.addCleanup(func() {
		reader.Cancel()
		_ = reader.Close()
	})

	s.logger.Debug("spawned child on pty", "path", cmd.Path, "pid", child.PID())
	return child, nil
}
