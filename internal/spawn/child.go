package spawn

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Child is one started OS process. It is owned by a single attempt and never reused.
type Child struct {
	cmd    *exec.Cmd
	output *os.File
	input  *os.File
	group  bool

	done     chan struct{}
	exitCode int
	waitErr  error

	inputOnce sync.Once
	inputErr  error
	closeOnce sync.Once
	termOnce  sync.Once
	termErr   error

	mu       sync.Mutex
	cleanups []func()
}

func newChild(cmd *exec.Cmd, output *os.File, group bool) *Child {
	child := &Child{
		cmd:      cmd,
		output:   output,
		group:    group,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go child.wait()
	return child
}

func (c *Child) wait() {
	err := c.cmd.Wait()
	code := exitCodeOf(c.cmd.ProcessState, err)
	c.mu.Lock()
	c.waitErr = err
	c.exitCode = code
	c.mu.Unlock()
	close(c.done)
}

func exitCodeOf(state *os.ProcessState, err error) int {
	if state != nil {
		if code := state.ExitCode(); code >= 0 {
			return code
		}
		return signalExitCode(state)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// Input is the write end of the child's stdin pipe, or nil unless spawned with IOPipe.
func (c *Child) Input() io.WriteCloser {
	if c == nil || c.input == nil {
		return nil
	}
	return c.input
}

// Output is the merged stdout/stderr stream.
func (c *Child) Output() io.Reader {
	if c == nil || c.output == nil {
		return nil
	}
	return c.output
}

// CloseInput signals end-of-input to the child. Safe to call repeatedly.
func (c *Child) CloseInput() error {
	if c == nil || c.input == nil {
		return nil
	}
	c.inputOnce.Do(func() {
		if err := c.input.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			c.inputErr = err
		}
	})
	return c.inputErr
}

// Done is closed once the process has exited and been reaped.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Exited reports whether the process has exited.
func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, -1 while running. A child killed by a
// signal on Unix reports 128 plus the signal number.
func (c *Child) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// PID returns the OS process id.
func (c *Child) PID() int {
	if c == nil || c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Wait blocks until the child exits or ctx is done.
func (c *Child) Wait(ctx context.Context) (int, error) {
	select {
	case <-c.done:
		return c.ExitCode(), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Terminate asks the child (and its process group where one exists) to stop,
// escalating to a forced kill after grace. Only the first call signals.
func (c *Child) Terminate(grace time.Duration) error {
	if c == nil {
		return errors.New("child is nil")
	}
	c.termOnce.Do(func() {
		c.termErr = c.terminate(grace)
	})
	return c.termErr
}

func (c *Child) terminate(grace time.Duration) error {
	if c.Exited() || c.cmd.Process == nil {
		return nil
	}
	if err := terminateProcess(c.cmd.Process, c.group); err != nil && !processGone(err) {
		return err
	}
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-c.done:
			return nil
		case <-timer.C:
		}
	}
	if err := killProcess(c.cmd.Process, c.group); err != nil && !processGone(err) {
		return err
	}
	reap := time.NewTimer(killReapTimeout)
	defer reap.Stop()
	select {
	case <-c.done:
	case <-reap.C:
	}
	return nil
}

// killReapTimeout bounds how long Terminate waits for the kernel to reap a killed child.
const killReapTimeout = 5 * time.Second

// Close releases the parent's handles and restores any terminal state.
func (c *Child) Close() error {
	if c == nil {
		return nil
	}
	var closeErr error
	c.closeOnce.Do(func() {
		_ = c.CloseInput()
		c.mu.Lock()
		cleanups := c.cleanups
		c.cleanups = nil
		c.mu.Unlock()
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		if c.output != nil {
			if err := c.output.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				closeErr = err
			}
		}
	})
	return closeErr
}

func (c *Child) addCleanup(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, fn)
}
