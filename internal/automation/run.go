package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/botpilot/botpilot/internal/strategy"
)

// Exit code sentinels returned by RunInteractive and RunScripted. Real child
// exit codes are never negative.
const (
	ExitCodeCancelled   = -1
	ExitCodeExhausted   = -2
	ExitCodeSpawnFailed = -3
)

// ErrExhausted matches every *ExhaustedError.
var ErrExhausted = errors.New("every input strategy hit a platform I/O defect")

// ExhaustedError carries the last attempt's evidence when no strategy could
// deliver the answers.
type ExhaustedError struct {
	Attempts     int
	LastExitCode int
	Defect       strategy.DefectClass
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts, last exit code %d (%s)", ErrExhausted, e.Attempts, e.LastExitCode, e.Defect)
}

// Is matches ErrExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// RunInteractive runs exe with the caller's terminal attached and returns the
// child's exit code.
func RunInteractive(ctx context.Context, exe string, args []string, dir string, options ...Option) (int, error) {
	return run(ctx, Request{Executable: exe, Args: args, Dir: dir}, options)
}

// RunScripted replays answers into exe, falling back through the configured
// strategies on platform I/O defects. An empty answer list is the same as
// RunInteractive.
func RunScripted(ctx context.Context, exe string, args []string, dir string, answers []string, options ...Option) (int, error) {
	return run(ctx, Request{Executable: exe, Args: args, Dir: dir, Answers: answers}, options)
}

func run(ctx context.Context, req Request, options []Option) (int, error) {
	session, err := New(req, options...)
	if err != nil {
		return ExitCodeSpawnFailed, err
	}
	result, err := session.Run(ctx)
	return ExitCode(result, err)
}

// ExitCode folds a session result into the single code the Run functions
// return.
func ExitCode(result Result, err error) (int, error) {
	switch {
	case err != nil:
		return ExitCodeSpawnFailed, err
	case result.Cancelled:
		return ExitCodeCancelled, nil
	case result.Exhausted:
		return ExitCodeExhausted, &ExhaustedError{
			Attempts:     len(result.Attempts),
			LastExitCode: result.ExitCode,
			Defect:       result.Defect,
		}
	default:
		return result.ExitCode, nil
	}
}
