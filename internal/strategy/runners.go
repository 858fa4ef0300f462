package strategy

import (
	"context"
	"errors"

	"github.com/botpilot/botpilot/internal/spawn"
)

func runDirectPipe(ctx context.Context, e *Executor, attempt Attempt) (Outcome, error) {
	child, err := e.spawn(ctx, attempt.Executable, attempt.Args, attempt, spawn.Options{Mode: spawn.IOPipe})
	if err != nil {
		return Outcome{}, err
	}
	defer child.Close()
	return e.supervise(ctx, child, attempt.Answers), nil
}

func runTempFile(ctx context.Context, e *Executor, attempt Attempt) (Outcome, error) {
	answersPath, cleanup, err := e.writeAnswersFile(attempt.Answers)
	if err != nil {
		return Outcome{}, err
	}
	defer cleanup()

	child, err := e.spawn(ctx, attempt.Executable, attempt.Args, attempt, spawn.Options{Mode: spawn.IOFile, StdinFile: answersPath})
	if err != nil {
		return Outcome{}, err
	}
	defer child.Close()
	outcome := e.supervise(ctx, child, nil)
	outcome.Sent = len(attempt.Answers)
	return outcome, nil
}

func runWrapperScript(ctx context.Context, e *Executor, attempt Attempt) (Outcome, error) {
	answersPath, cleanupAnswers, err := e.writeAnswersFile(attempt.Answers)
	if err != nil {
		return Outcome{}, err
	}
	defer cleanupAnswers()

	shell, shellArgs, cleanupScript, err := e.writeWrapperScript(attempt, answersPath)
	if err != nil {
		return Outcome{}, err
	}
	defer cleanupScript()

	e.logger.Debug("running wrapper script", "shell", shell, "args", shellArgs)
	// The script redirects stdin itself; the shell gets the null device.
	child, err := e.spawn(ctx, shell, shellArgs, attempt, spawn.Options{Mode: spawn.IOFile})
	if err != nil {
		return Outcome{}, err
	}
	defer child.Close()
	outcome := e.supervise(ctx, child, nil)
	outcome.Sent = len(attempt.Answers)
	return outcome, nil
}

func runPassthrough(ctx context.Context, e *Executor, attempt Attempt) (Outcome, error) {
	mode := spawn.IOInherit
	if e.usePTY {
		mode = spawn.IOPTY
	}
	opts := spawn.Options{Mode: mode, Stdin: e.stdin}
	child, err := e.spawn(ctx, attempt.Executable, attempt.Args, attempt, opts)
	if errors.Is(err, spawn.ErrPTYUnsupported) {
		e.logger.Info("pseudo-terminal unavailable; inheriting stdin")
		opts.Mode = spawn.IOInherit
		child, err = e.spawn(ctx, attempt.Executable, attempt.Args, attempt, opts)
	}
	if err != nil {
		return Outcome{}, err
	}
	defer child.Close()
	return e.supervise(ctx, child, nil), nil
}
