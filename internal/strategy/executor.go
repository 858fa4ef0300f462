package strategy

import (
	"context"
	"errors"
	"io"
	"os"
	"regexp"
	"runtime"
	"time"

	"github.com/charmbracelet/log"

	"github.com/botpilot/botpilot/internal/driver"
	"github.com/botpilot/botpilot/internal/prompt"
	"github.com/botpilot/botpilot/internal/pump"
	"github.com/botpilot/botpilot/internal/spawn"
)

const (
	DefaultTerminationGrace = 3 * time.Second
	// drainTimeout bounds how long output is read after the child exits, for
	// grandchildren that inherited the output pipe.
	drainTimeout = 2 * time.Second
)

// Executor holds everything an attempt needs besides the attempt itself.
type Executor struct {
	spawner      *spawn.Spawner
	sink         io.Writer
	stdin        *os.File
	classifier   *Classifier
	timing       driver.Timing
	lineEnding   string
	patterns     []*regexp.Regexp
	windowSize   int
	captureBytes int
	grace        time.Duration
	tempDir      string
	usePTY       bool
	logger       *log.Logger
	onSend       func(index int)
	onStart      func(pid int)
	goos         string
}

// Option configures an Executor.
type Option func(*Executor)

// WithSink sets where child output is forwarded.
func WithSink(sink io.Writer) Option {
	return func(e *Executor) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithStdin replaces os.Stdin for passthrough attempts.
func WithStdin(stdin *os.File) Option {
	return func(e *Executor) {
		if stdin != nil {
			e.stdin = stdin
		}
	}
}

func WithClassifier(classifier *Classifier) Option {
	return func(e *Executor) {
		if classifier != nil {
			e.classifier = classifier
		}
	}
}

func WithTiming(timing driver.Timing) Option {
	return func(e *Executor) {
		e.timing = timing
	}
}

func WithLineEnding(ending string) Option {
	return func(e *Executor) {
		if ending != "" {
			e.lineEnding = ending
		}
	}
}

// WithPromptPatterns replaces the prompt set used by every attempt.
func WithPromptPatterns(patterns []*regexp.Regexp) Option {
	return func(e *Executor) {
		if len(patterns) > 0 {
			e.patterns = patterns
		}
	}
}

func WithWindowSize(size int) Option {
	return func(e *Executor) {
		e.windowSize = size
	}
}

func WithCaptureBytes(limit int) Option {
	return func(e *Executor) {
		e.captureBytes = limit
	}
}

// WithTerminationGrace sets the wait between the graceful and forced kill.
func WithTerminationGrace(grace time.Duration) Option {
	return func(e *Executor) {
		if grace >= 0 {
			e.grace = grace
		}
	}
}

// WithTempDir sets where answer files and wrapper scripts are written.
func WithTempDir(dir string) Option {
	return func(e *Executor) {
		e.tempDir = dir
	}
}

// WithPTY makes passthrough attempts use a pseudo-terminal where supported.
func WithPTY(enabled bool) Option {
	return func(e *Executor) {
		e.usePTY = enabled
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithOnSend is called after each answer written by a live driver.
func WithOnSend(fn func(index int)) Option {
	return func(e *Executor) {
		e.onSend = fn
	}
}

// WithOnStart is called once the child of an attempt is running.
func WithOnStart(fn func(pid int)) Option {
	return func(e *Executor) {
		e.onStart = fn
	}
}

// NewExecutor returns an Executor spawning through spawner.
func NewExecutor(spawner *spawn.Spawner, options ...Option) *Executor {
	e := &Executor{
		spawner:      spawner,
		sink:         os.Stdout,
		stdin:        os.Stdin,
		classifier:   NewClassifier(nil),
		timing:       driver.DefaultTiming(),
		lineEnding:   driver.DefaultLineEnding,
		windowSize:   prompt.DefaultWindowSize,
		captureBytes: pump.DefaultCaptureBytes,
		grace:        DefaultTerminationGrace,
		logger:       log.New(io.Discard),
		goos:         runtime.GOOS,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(e)
	}
	if e.spawner == nil {
		e.spawner = spawn.New(spawn.WithLogger(e.logger))
	}
	if len(e.patterns) == 0 {
		patterns, err := prompt.Compile(prompt.DefaultPatterns)
		if err == nil {
			e.patterns = patterns
		}
	}
	return e
}

// Run executes s and classifies its outcome. Cancelled attempts are not
// classified.
func (e *Executor) Run(ctx context.Context, s Strategy, attempt Attempt) (Outcome, error) {
	if e == nil {
		return Outcome{}, errors.New("executor is nil")
	}
	if s.Run == nil {
		return Outcome{}, errors.New("strategy has no run function")
	}
	started := time.Now()
	outcome, err := s.Run(ctx, e, attempt)
	outcome.Duration = time.Since(started)
	if err != nil {
		return outcome, err
	}
	if outcome.Cancelled {
		outcome.Defect = DefectNone
		return outcome, nil
	}
	// A broken pipe on our side is benign; only other write failures count as evidence.
	var writeEvidence error
	if outcome.StopReason == driver.StopWriteFailed {
		writeEvidence = outcome.WriteErr
	}
	outcome.Defect = e.classifier.Classify(outcome.ExitCode, outcome.CombinedOutput, writeEvidence)
	return outcome, nil
}

func (e *Executor) spawn(ctx context.Context, executable string, args []string, attempt Attempt, opts spawn.Options) (*spawn.Child, error) {
	opts.Args = args
	opts.Dir = attempt.Dir
	opts.Env = attempt.Env
	return e.spawner.Spawn(ctx, executable, opts)
}

// supervise pumps output, optionally drives answers, and waits for the child
// to exit or ctx to end. It always leaves the child reaped or killed.
func (e *Executor) supervise(ctx context.Context, child *spawn.Child, answers []string) Outcome {
	if e.onStart != nil {
		e.onStart(child.PID())
	}
	activity := pump.NewActivity(nil)
	capture := pump.NewCapture(e.captureBytes)
	detector := prompt.NewDetector(e.patterns, e.windowSize)
	p := pump.New(child.Output(), e.sink, detector, activity, pump.WithCapture(capture), pump.WithLogger(e.logger))

	pumpDone := make(chan error, 1)
	go func() { pumpDone <- p.Run(context.Background()) }()

	driveCtx, stopDrive := context.WithCancel(ctx)
	defer stopDrive()
	driveDone := make(chan driver.Report, 1)
	live := child.Input() != nil
	if live {
		d := driver.New(e.timing,
			driver.WithLineEnding(e.lineEnding),
			driver.WithLogger(e.logger),
			driver.WithOnSend(e.onSend),
		)
		go func() { driveDone <- d.Drive(driveCtx, answers, child.Input(), child, activity) }()
	}

	outcome := Outcome{PID: child.PID()}
	select {
	case <-child.Done():
	case <-ctx.Done():
		outcome.Cancelled = true
		e.logger.Info("cancelling child", "pid", child.PID(), "grace", e.grace)
		if err := child.Terminate(e.grace); err != nil {
			e.logger.Warn("terminate child", "pid", child.PID(), "err", err)
		}
	}

	// The driver returns on its own once the child is done or ctx is cancelled.
	if live {
		report := <-driveDone
		outcome.Sent = report.Sent
		outcome.StopReason = report.Reason
		outcome.WriteErr = report.WriteErr
	}

	drain := time.NewTimer(drainTimeout)
	defer drain.Stop()
	select {
	case err := <-pumpDone:
		if err != nil {
			e.logger.Debug("output pump ended with error", "err", err)
		}
	case <-drain.C:
		e.logger.Debug("output still open after exit; closing", "pid", child.PID())
		_ = child.Close()
		<-pumpDone
	}

	outcome.ExitCode = child.ExitCode()
	outcome.CombinedOutput = capture.String()
	return outcome
}
