// Package automation drives one bot run end to end: it replays answers through
// each delivery strategy in turn until one works, or hands the terminal to the
// child when there is nothing to replay.
package automation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/botpilot/botpilot/internal/events"
	"github.com/botpilot/botpilot/internal/locks"
	"github.com/botpilot/botpilot/internal/spawn"
	"github.com/botpilot/botpilot/internal/state"
	"github.com/botpilot/botpilot/internal/strategy"
	"github.com/botpilot/botpilot/internal/telemetry"
)

// ErrBusy is returned when another session already drives the same working
// directory.
var ErrBusy = locks.ErrBusy

// Mode is how answers reach the child.
type Mode string

const (
	// ModeScripted replays a non-empty answer list.
	ModeScripted Mode = "scripted"
	// ModeInteractive connects the caller's terminal to the child.
	ModeInteractive Mode = "interactive"
)

// Request names the child to run and what to feed it.
type Request struct {
	Executable string
	Args       []string
	Dir        string
	// Env entries are appended to the parent environment.
	Env     []string
	Answers []string
}

// Mode reports ModeInteractive for an empty answer list.
func (r Request) Mode() Mode {
	if len(r.Answers) == 0 {
		return ModeInteractive
	}
	return ModeScripted
}

// AttemptRecord summarises one strategy attempt.
type AttemptRecord struct {
	Index      int
	Strategy   string
	PID        int
	ExitCode   int
	Defect     strategy.DefectClass
	Sent       int
	Duration   time.Duration
	Cancelled  bool
	StopReason string
}

// Result is the final state of a session.
type Result struct {
	SessionID string
	Mode      Mode
	// ExitCode is the last child's exit status, or ExitCodeCancelled.
	ExitCode      int
	StrategyIndex int
	Strategy      string
	Succeeded     bool
	Exhausted     bool
	Cancelled     bool
	Defect        strategy.DefectClass
	Outcome       string
	Attempts      []AttemptRecord
}

// Option configures a Session.
type Option func(*Session)

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(s *Session) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			s.id = trimmed
		}
	}
}

// WithEnv appends entries to the child's environment.
func WithEnv(env ...string) Option {
	return func(s *Session) {
		s.req.Env = append(s.req.Env, env...)
	}
}

// WithStrategies replaces the scripted strategy order.
func WithStrategies(strategies []strategy.Strategy) Option {
	return func(s *Session) {
		if len(strategies) > 0 {
			s.strategies = append([]strategy.Strategy(nil), strategies...)
		}
	}
}

// WithExecutorOptions forwards options to the strategy executor.
func WithExecutorOptions(options ...strategy.Option) Option {
	return func(s *Session) {
		s.executorOptions = append(s.executorOptions, options...)
	}
}

// WithSpawner sets the spawner used for every attempt.
func WithSpawner(spawner *spawn.Spawner) Option {
	return func(s *Session) {
		if spawner != nil {
			s.spawner = spawner
		}
	}
}

// WithBus publishes session events to bus.
func WithBus(bus events.Bus) Option {
	return func(s *Session) {
		s.bus = bus
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the tracer for session and state spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithLockDir enables the per-directory run lock, kept under dir.
func WithLockDir(dir string) Option {
	return func(s *Session) {
		s.lockDir = strings.TrimSpace(dir)
	}
}

// Session runs a Request once. It is not reusable.
type Session struct {
	id              string
	req             Request
	strategies      []strategy.Strategy
	executorOptions []strategy.Option
	spawner         *spawn.Spawner
	bus             events.Bus
	logger          *log.Logger
	tracer          trace.Tracer
	lockDir         string
	machine         *state.Machine

	mu         sync.Mutex
	started    bool
	cancelled  bool
	cancel     context.CancelFunc
	attemptCtx context.Context
	attempt    *telemetry.AttemptSpan
}

// New validates req and prepares a session in the idle state.
func New(req Request, options ...Option) (*Session, error) {
	req.Executable = strings.TrimSpace(req.Executable)
	if req.Executable == "" {
		return nil, errors.New("executable must not be empty")
	}
	s := &Session{
		id:         uuid.NewString(),
		req:        req,
		strategies: strategy.Default(),
		logger:     log.New(io.Discard),
		tracer:     otel.Tracer("botpilot/automation"),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}
	if s.req.Mode() == ModeInteractive {
		s.strategies = []strategy.Strategy{strategy.Passthrough}
	}
	if s.spawner == nil {
		s.spawner = spawn.New(spawn.WithLogger(s.logger))
	}

	machine, err := state.NewMachine(
		state.EntitySession,
		s.id,
		state.WithTracer(s.tracer),
		state.WithObserver(state.ObserverFunc(s.observeTransition)),
	)
	if err != nil {
		return nil, fmt.Errorf("create session state machine: %w", err)
	}
	s.machine = machine
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() string {
	if s == nil || s.machine == nil {
		return ""
	}
	return s.machine.Current()
}

// History returns every accepted state transition so far.
func (s *Session) History() []state.TransitionRecord {
	if s == nil || s.machine == nil {
		return nil
	}
	return s.machine.History()
}

// Cancel stops a running session, or makes a later Run end cancelled without
// spawning anything.
func (s *Session) Cancel() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.cancelled = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the session to done. A non-nil error means no attempt could be
// judged: the run lock was busy or a child failed to start.
func (s *Session) Run(ctx context.Context) (Result, error) {
	if s == nil || s.machine == nil {
		return Result{}, errors.New("session is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return Result{}, errors.New("session already ran")
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	cancelledEarly := s.cancelled
	s.mu.Unlock()
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "automation.session", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.String("mode", string(s.req.Mode())),
		attribute.String("executable", s.req.Executable),
		attribute.Int("strategy_count", len(s.strategies)),
	))
	defer span.End()

	result := Result{SessionID: s.id, Mode: s.req.Mode(), StrategyIndex: -1}
	finish := func(outcome string, err error) (Result, error) {
		result.Outcome = outcome
		s.transition(ctx, state.SessionDone, outcome)
		span.SetAttributes(
			attribute.String("outcome", outcome),
			attribute.Int("exit_code", result.ExitCode),
			attribute.Int("attempts", len(result.Attempts)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if outcome == state.OutcomeSuccess {
			span.SetStatus(codes.Ok, "session succeeded")
		} else {
			span.SetStatus(codes.Error, outcome)
		}
		s.publish(events.EventTypeSessionDone, severityFor(outcome), result)
		return result, err
	}

	if cancelledEarly || ctx.Err() != nil {
		result.Cancelled = true
		result.ExitCode = ExitCodeCancelled
		return finish(state.OutcomeCancelled, nil)
	}

	if s.lockDir != "" {
		lockDir := s.req.Dir
		if lockDir == "" {
			lockDir = "."
		}
		lock, err := locks.Acquire(s.lockDir, lockDir, s.id)
		if err != nil {
			return finish(state.OutcomeFailed, err)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				s.logger.Warn("release run lock", "err", err)
			}
		}()
	}

	executable := s.spawner.Resolve(s.req.Executable)
	s.logger.Info("starting session",
		"session", s.id,
		"mode", s.req.Mode(),
		"executable", executable,
		"dir", s.req.Dir,
		"answers", len(s.req.Answers),
	)
	executor := s.newExecutor()

	for index, strat := range s.strategies {
		reason := "strategy " + strat.Name
		s.transition(ctx, state.SessionSpawning, reason)
		s.logger.Info("attempting strategy", "index", index, "strategy", strat.Name)
		s.publish(events.EventTypeAttemptStarted, events.SeverityInfo, AttemptRecord{Index: index, Strategy: strat.Name})

		attemptCtx, attemptSpan := telemetry.StartAttempt(ctx, telemetry.AttemptRequest{
			SessionID:  s.id,
			Strategy:   strat.Name,
			Index:      index,
			Executable: executable,
			Answers:    s.req.Answers,
		})
		s.setAttempt(attemptCtx, attemptSpan)

		outcome, err := executor.Run(attemptCtx, strat, strategy.Attempt{
			Index:      index,
			Executable: executable,
			Args:       s.req.Args,
			Dir:        s.req.Dir,
			Env:        s.req.Env,
			Answers:    s.req.Answers,
		})
		s.setAttempt(nil, nil)

		result.StrategyIndex = index
		result.Strategy = strat.Name
		if err != nil {
			cancelled := ctx.Err() != nil
			attemptSpan.End(telemetry.AttemptResult{ExitCode: -1, Err: err, Cancelled: cancelled})
			if cancelled {
				result.Cancelled = true
				result.ExitCode = ExitCodeCancelled
				return finish(state.OutcomeCancelled, nil)
			}
			s.logger.Error("child could not be started", "strategy", strat.Name, "err", err)
			return finish(state.OutcomeFailed, err)
		}

		record := AttemptRecord{
			Index:      index,
			Strategy:   strat.Name,
			PID:        outcome.PID,
			ExitCode:   outcome.ExitCode,
			Defect:     outcome.Defect,
			Sent:       outcome.Sent,
			Duration:   outcome.Duration,
			Cancelled:  outcome.Cancelled,
			StopReason: string(outcome.StopReason),
		}
		result.Attempts = append(result.Attempts, record)
		result.ExitCode = outcome.ExitCode
		result.Defect = outcome.Defect

		if outcome.Defect != strategy.DefectNone {
			attemptSpan.RecordDefect(string(outcome.Defect), outcome.CombinedOutput, outcome.Defect.Retryable())
		}
		attemptSpan.End(telemetry.AttemptResult{
			ExitCode:  outcome.ExitCode,
			Defect:    string(outcome.Defect),
			Sent:      outcome.Sent,
			Cancelled: outcome.Cancelled,
		})

		if outcome.Cancelled {
			s.logger.Info("session cancelled", "strategy", strat.Name, "pid", outcome.PID)
			result.Cancelled = true
			result.ExitCode = ExitCodeCancelled
			return finish(state.OutcomeCancelled, nil)
		}

		s.transition(ctx, state.SessionClassifying, fmt.Sprintf("exit %d", outcome.ExitCode))
		s.publish(events.EventTypeAttemptFinished, severityForAttempt(record), record)

		if outcome.ExitCode == 0 {
			result.Succeeded = true
			s.logger.Info("strategy succeeded", "strategy", strat.Name, "answers_sent", outcome.Sent)
			return finish(state.OutcomeSuccess, nil)
		}
		if s.req.Mode() == ModeInteractive || !outcome.Defect.Retryable() {
			s.logger.Info("child failed", "strategy", strat.Name, "exit_code", outcome.ExitCode, "defect", outcome.Defect)
			return finish(state.OutcomeFailed, nil)
		}
		if index == len(s.strategies)-1 {
			s.logger.Warn("all strategies exhausted", "defect", outcome.Defect, "exit_code", outcome.ExitCode)
			result.Exhausted = true
			return finish(state.OutcomeExhausted, nil)
		}
		s.logger.Warn("platform I/O defect; trying next strategy",
			"strategy", strat.Name,
			"defect", outcome.Defect,
			"next", s.strategies[index+1].Name,
		)
		s.transition(ctx, state.SessionRetrying, string(outcome.Defect))
	}

	// Only reachable with an empty strategy list.
	result.Exhausted = true
	return finish(state.OutcomeExhausted, nil)
}

func (s *Session) newExecutor() *strategy.Executor {
	options := append([]strategy.Option{strategy.WithLogger(s.logger)}, s.executorOptions...)
	options = append(options,
		strategy.WithOnStart(s.childStarted),
		strategy.WithOnSend(s.answerSent),
	)
	return strategy.NewExecutor(s.spawner, options...)
}

func (s *Session) childStarted(pid int) {
	ctx, _ := s.currentAttempt()
	s.logger.Debug("child started", "pid", pid)
	s.transition(ctx, state.SessionRunning, fmt.Sprintf("pid %d", pid))
}

func (s *Session) answerSent(index int) {
	_, attempt := s.currentAttempt()
	attempt.RecordAnswer(index)
	s.publish(events.EventTypeAnswerSent, events.SeverityInfo, index)
}

func (s *Session) setAttempt(ctx context.Context, attempt *telemetry.AttemptSpan) {
	s.mu.Lock()
	s.attemptCtx = ctx
	s.attempt = attempt
	s.mu.Unlock()
}

func (s *Session) currentAttempt() (context.Context, *telemetry.AttemptSpan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.attemptCtx
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, s.attempt
}

func (s *Session) transition(ctx context.Context, to, reason string) {
	if err := s.machine.Transition(ctx, to, reason); err != nil {
		s.logger.Error("state transition rejected", "err", err)
	}
}

func (s *Session) observeTransition(_ context.Context, record state.TransitionRecord) {
	s.logger.Debug("state", "from", record.FromState, "to", record.ToState, "reason", record.Reason)
	s.publish(events.EventTypeStateTransition, events.SeverityInfo, record)
}

func (s *Session) publish(eventType, severity string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:       eventType,
		EntityType: string(state.EntitySession),
		EntityID:   s.id,
		Payload:    payload,
		Severity:   severity,
	})
}

func severityFor(outcome string) string {
	switch outcome {
	case state.OutcomeSuccess, state.OutcomeCancelled:
		return events.SeverityInfo
	case state.OutcomeExhausted:
		return events.SeverityWarn
	default:
		return events.SeverityError
	}
}

func severityForAttempt(record AttemptRecord) string {
	if record.ExitCode == 0 {
		return events.SeverityInfo
	}
	if record.Defect.Retryable() {
		return events.SeverityWarn
	}
	return events.SeverityError
}
