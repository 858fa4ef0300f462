// Package driver feeds scripted answers to a child's stdin, pacing each one
// on prompt detection or output silence.
package driver

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/botpilot/botpilot/internal/pump"
)

const (
	DefaultAnswerTimeout    = 8 * time.Second
	DefaultSilenceThreshold = 800 * time.Millisecond
	DefaultSettleDelay      = 250 * time.Millisecond
	DefaultLineEnding       = "\n"
)

// Timing controls answer pacing.
type Timing struct {
	// AnswerTimeout bounds the wait for readiness before each answer.
	AnswerTimeout time.Duration
	// SilenceThreshold is how long output must be quiet to count as ready.
	SilenceThreshold time.Duration
	// SettleDelay separates readiness from the write.
	SettleDelay time.Duration
	// InputLinger closes stdin this long after the last answer if the child is
	// still running. Zero keeps stdin open until the child exits.
	InputLinger time.Duration
}

// DefaultTiming returns the stock pacing values.
func DefaultTiming() Timing {
	return Timing{
		AnswerTimeout:    DefaultAnswerTimeout,
		SilenceThreshold: DefaultSilenceThreshold,
		SettleDelay:      DefaultSettleDelay,
	}
}

// StopReason says why Drive returned.
type StopReason string

const (
	StopCompleted   StopReason = "completed"
	StopChildExited StopReason = "child_exited"
	StopBrokenPipe  StopReason = "broken_pipe"
	StopWriteFailed StopReason = "write_failed"
	StopCancelled   StopReason = "cancelled"
)

// Report summarises one Drive call. Write failures are reported here rather
// than returned; classification happens on the aggregate outcome.
type Report struct {
	Sent     int
	Reason   StopReason
	WriteErr error
}

// Child is the process view the driver needs.
type Child interface {
	Done() <-chan struct{}
	Exited() bool
	CloseInput() error
}

// Driver writes answers one line at a time.
type Driver struct {
	timing     Timing
	lineEnding string
	logger     *log.Logger
	now        func() time.Time
	onSend     func(index int)
}

// Option configures a Driver.
type Option func(*Driver)

func WithLogger(logger *log.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithLineEnding overrides the terminator appended to every answer.
func WithLineEnding(ending string) Option {
	return func(d *Driver) {
		if ending != "" {
			d.lineEnding = ending
		}
	}
}

// WithOnSend registers a callback invoked after each answer is written.
func WithOnSend(fn func(index int)) Option {
	return func(d *Driver) {
		d.onSend = fn
	}
}

// New returns a Driver. Zero timing fields fall back to the defaults.
func New(timing Timing, options ...Option) *Driver {
	defaults := DefaultTiming()
	if timing.AnswerTimeout <= 0 {
		timing.AnswerTimeout = defaults.AnswerTimeout
	}
	if timing.SilenceThreshold <= 0 {
		timing.SilenceThreshold = defaults.SilenceThreshold
	}
	if timing.SettleDelay < 0 {
		timing.SettleDelay = 0
	}
	d := &Driver{
		timing:     timing,
		lineEnding: DefaultLineEnding,
		logger:     log.New(io.Discard),
		now:        time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(d)
	}
	return d
}

type readiness int

const (
	readyPrompt readiness = iota
	readySilence
	readyTimeout
	readyExited
	readyCancelled
)

// Drive sends answers in order. After the last answer stdin stays open until
// the child exits (or InputLinger elapses), then it is closed.
func (d *Driver) Drive(ctx context.Context, answers []string, input io.Writer, child Child, activity *pump.Activity) Report {
	report := Report{Reason: StopCompleted}
	if ctx == nil {
		ctx = context.Background()
	}
	if input == nil || child == nil || activity == nil {
		report.Reason = StopWriteFailed
		report.WriteErr = errors.New("driver requires input, child and activity")
		return report
	}
	defer func() { _ = child.CloseInput() }()

	var baseline uint64
	lastSend := time.Time{}
	for index, answer := range answers {
		switch d.awaitReady(ctx, child, activity, baseline, lastSend) {
		case readyCancelled:
			report.Reason = StopCancelled
			return report
		case readyExited:
			d.logger.Debug("child exited before all answers were sent", "sent", report.Sent, "total", len(answers))
			report.Reason = StopChildExited
			return report
		case readyTimeout:
			d.logger.Debug("no prompt or silence before timeout; sending anyway", "answer", index+1, "timeout", d.timing.AnswerTimeout)
		}

		if !sleep(ctx, d.timing.SettleDelay) {
			report.Reason = StopCancelled
			return report
		}
		if child.Exited() {
			report.Reason = StopChildExited
			return report
		}

		baseline = activity.Prompts()
		if err := d.write(input, answer); err != nil {
			report.WriteErr = err
			if isBrokenPipe(err) {
				d.logger.Debug("child stopped reading input", "err", err)
				report.Reason = StopBrokenPipe
			} else {
				d.logger.Warn("answer write failed", "answer", index+1, "err", err)
				report.Reason = StopWriteFailed
			}
			return report
		}
		lastSend = d.now()
		report.Sent++
		if d.onSend != nil {
			d.onSend(index)
		}
	}

	d.lingerInput(ctx, child)
	if ctx.Err() != nil {
		report.Reason = StopCancelled
	}
	return report
}

func (d *Driver) lingerInput(ctx context.Context, child Child) {
	var linger <-chan time.Time
	if d.timing.InputLinger > 0 {
		timer := time.NewTimer(d.timing.InputLinger)
		defer timer.Stop()
		linger = timer.C
	}
	select {
	case <-child.Done():
	case <-ctx.Done():
	case <-linger:
		d.logger.Debug("closing input after linger", "linger", d.timing.InputLinger)
	}
}

func (d *Driver) awaitReady(ctx context.Context, child Child, activity *pump.Activity, baseline uint64, lastSend time.Time) readiness {
	deadline := d.now().Add(d.timing.AnswerTimeout)
	for {
		if activity.Prompts() > baseline {
			return readyPrompt
		}
		now := d.now()
		quietSince := activity.LastOutput()
		if lastSend.After(quietSince) {
			quietSince = lastSend
		}
		silence := now.Sub(quietSince)
		if silence >= d.timing.SilenceThreshold {
			return readySilence
		}
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return readyTimeout
		}
		wait := d.timing.SilenceThreshold - silence
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return readyCancelled
		case <-child.Done():
			timer.Stop()
			return readyExited
		case <-activity.Notify():
		case <-timer.C:
		}
		timer.Stop()
	}
}

type flusher interface {
	Flush() error
}

func (d *Driver) write(input io.Writer, answer string) error {
	if _, err := io.WriteString(input, answer+d.lineEnding); err != nil {
		return err
	}
	if f, ok := input.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// sleep waits for delay and reports false if ctx ended first.
func sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var brokenPipeSignatures = []string{"broken pipe", "pipe is being closed", "pipe has been ended", "no process is on the other end of the pipe"}

// isBrokenPipe reports write errors that mean the child stopped reading.
func isBrokenPipe(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, signature := range brokenPipeSignatures {
		if strings.Contains(text, signature) {
			return true
		}
	}
	return false
}
