package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	githubTokenPattern     = regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`)
)

// AttemptRequest describes one strategy attempt for the automation.attempt span.
type AttemptRequest struct {
	SessionID  string
	Strategy   string
	Index      int
	Executable string
	Answers    []string
}

// AttemptSpan tracks one automation.attempt span lifecycle.
type AttemptSpan struct {
	span      trace.Span
	startedAt time.Time

	mu      sync.Mutex
	answers int
	ended   bool
}

// AttemptResult is what End records on the span.
type AttemptResult struct {
	ExitCode  int
	Defect    string
	Sent      int
	Cancelled bool
	Err       error
}

type attemptContextKey struct{}

// StartAttempt starts an automation.attempt span and returns a context
// carrying the tracker. Answers are hashed, never recorded verbatim.
func StartAttempt(ctx context.Context, req AttemptRequest) (context.Context, *AttemptSpan) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("strategy", normalizeOrUnknown(req.Strategy)),
		attribute.Int("strategy_index", req.Index),
		attribute.String("executable", normalizeOrUnknown(req.Executable)),
		attribute.Int("answer_count", len(req.Answers)),
		attribute.String("answers_hash", hashAnswers(req.Answers)),
	}
	if id := strings.TrimSpace(req.SessionID); id != "" {
		attrs = append(attrs, attribute.String("session_id", id))
	}

	spanCtx, span := otel.Tracer("botpilot/telemetry").Start(
		ctx,
		"automation.attempt",
		trace.WithAttributes(attrs...),
	)

	attempt := &AttemptSpan{
		span:      span,
		startedAt: time.Now(),
	}
	return context.WithValue(spanCtx, attemptContextKey{}, attempt), attempt
}

// AttemptFromContext returns the attempt tracker if one exists on the context.
func AttemptFromContext(ctx context.Context) *AttemptSpan {
	if ctx == nil {
		return nil
	}
	attempt, ok := ctx.Value(attemptContextKey{}).(*AttemptSpan)
	if !ok {
		return nil
	}
	return attempt
}

// RecordAnswer adds an answer_sent event to the active attempt span.
func (a *AttemptSpan) RecordAnswer(index int) {
	if a == nil || a.span == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended {
		return
	}
	a.answers++

	a.span.AddEvent(
		"attempt.answer_sent",
		trace.WithAttributes(
			attribute.Int("answer_index", index),
			attribute.Int64("elapsed_ms", nonNegativeMS(time.Since(a.startedAt))),
		),
	)
}

// RecordDefect adds a defect event carrying a redacted output excerpt.
func (a *AttemptSpan) RecordDefect(defect string, excerpt string, retryable bool) {
	if a == nil || a.span == nil {
		return
	}

	a.span.AddEvent(
		"attempt.defect",
		trace.WithAttributes(
			attribute.String("defect", normalizeOrUnknown(defect)),
			attribute.String("output_excerpt", redactSecrets(excerpt)),
			attribute.Bool("retryable", retryable),
		),
	)
}

// End finalizes the span with exit code, defect and answers delivered.
func (a *AttemptSpan) End(result AttemptResult) {
	if a == nil || a.span == nil {
		return
	}

	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return
	}
	a.ended = true
	answerEvents := a.answers
	a.mu.Unlock()

	a.span.SetAttributes(
		attribute.Int64("duration_ms", nonNegativeMS(time.Since(a.startedAt))),
		attribute.Int("exit_code", result.ExitCode),
		attribute.String("defect", normalizeOrUnknown(result.Defect)),
		attribute.Int("answers_sent", result.Sent),
		attribute.Int("answer_events", answerEvents),
		attribute.Bool("cancelled", result.Cancelled),
	)

	switch {
	case result.Err != nil:
		a.span.RecordError(result.Err)
		a.span.SetStatus(codes.Error, redactSecrets(result.Err.Error()))
	case result.Cancelled:
		a.span.SetStatus(codes.Error, "attempt cancelled")
	case result.ExitCode != 0:
		a.span.SetStatus(codes.Error, "child exited with non-zero status")
	default:
		a.span.SetStatus(codes.Ok, "attempt completed")
	}
	a.span.End()
}

// Redact masks inline credentials and bounds the message length.
func Redact(input string) string {
	return redactSecrets(input)
}

func hashAnswers(answers []string) string {
	sum := sha256.New()
	for _, answer := range answers {
		sum.Write([]byte(answer))
		sum.Write([]byte{0})
	}
	return hex.EncodeToString(sum.Sum(nil))
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = githubTokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func nonNegativeMS(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 0
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
