package tracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

// Step is one setup command, such as a dependency install, run inside a bot
// directory before automation starts.
type Step struct {
	Tool string
	Args []string
	Dir  string
	Env  []string
}

// Result carries what a step produced. Output is trimmed.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ExecuteTool runs step to completion under a tool.exec span. Sensitive
// arguments are masked in span attributes.
func ExecuteTool(ctx context.Context, step Step) (result Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	toolName := strings.TrimSpace(step.Tool)
	cwd := strings.TrimSpace(step.Dir)
	if toolName == "" {
		return Result{}, errors.New("tool name must not be empty")
	}
	if cwd == "" {
		return Result{}, errors.New("cwd must not be empty")
	}

	_, span := otel.Tracer("botpilot/tracing/tools").Start(
		ctx,
		"tool.exec",
		trace.WithAttributes(
			attribute.String("tool_name", toolName),
			attribute.String("args_redacted", strings.Join(redactArgs(step.Args), " ")),
			attribute.String("cwd", cwd),
		),
	)

	started := time.Now()
	defer func() {
		result.Duration = time.Since(started)
		span.SetAttributes(attribute.Int64("duration_ms", result.Duration.Milliseconds()))
		span.End()
	}()

	cmd := exec.CommandContext(ctx, toolName, step.Args...)
	cmd.Dir = cwd
	if len(step.Env) > 0 {
		cmd.Env = append(os.Environ(), step.Env...)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	result.ExitCode = resolveExitCode(ctx, cmd, err)
	result.Stdout = strings.TrimSpace(stdout.String())
	result.Stderr = strings.TrimSpace(stderr.String())

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if result.Stdout != "" {
		span.AddEvent(
			"tool.stdout",
			trace.WithAttributes(attribute.String("output", truncateOutput(result.Stdout, maxOutputEventBytes))),
		)
	}
	if result.Stderr != "" {
		span.AddEvent(
			"tool.stderr",
			trace.WithAttributes(attribute.String("output", truncateOutput(result.Stderr, maxOutputEventBytes))),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, WrapExecutionError(toolName, step.Args, err)
	}

	span.SetStatus(codes.Ok, "tool command completed")
	return result, nil
}

// RunSetup runs each argv in order inside dir and stops at the first failure.
func RunSetup(ctx context.Context, dir string, steps [][]string, logger *log.Logger) error {
	if len(steps) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer("botpilot/tracing/tools").Start(
		ctx,
		"setup.run",
		trace.WithAttributes(
			attribute.String("cwd", dir),
			attribute.Int("step_count", len(steps)),
		),
	)
	defer span.End()

	for i, argv := range steps {
		if len(argv) == 0 {
			err := fmt.Errorf("setup step %d: empty command", i+1)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if logger != nil {
			logger.Info("setup step", "step", i+1, "command", FormatCommand(argv[0], redactArgs(argv[1:])))
		}
		result, err := ExecuteTool(ctx, Step{Tool: argv[0], Args: argv[1:], Dir: dir})
		if err != nil {
			if logger != nil && result.Stderr != "" {
				logger.Error("setup step failed", "step", i+1, "stderr", truncateOutput(result.Stderr, maxOutputEventBytes))
			}
			span.SetStatus(codes.Error, "setup step failed")
			return fmt.Errorf("setup step %d: %w", i+1, err)
		}
	}
	span.SetStatus(codes.Ok, "setup completed")
	return nil
}

func resolveExitCode(ctx context.Context, cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	if ctx.Err() != nil {
		return -1
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if u, err := url.Parse(trimmed); err == nil && u.Scheme != "" && u.User != nil {
			u.User = url.User("redacted")
			redacted = append(redacted, u.String())
			continue
		}
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && IsSensitiveToken(parts[0]) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		if IsSensitiveToken(trimmed) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

// sensitiveTokens are matched case-insensitively against flag names and keys.
var sensitiveTokens = []string{"token", "password", "passwd", "secret", "api-key", "api_key", "apikey", "auth", "bearer"}

// IsSensitiveToken reports whether value names a credential, such as a
// --token flag or an API_KEY= assignment.
func IsSensitiveToken(value string) bool {
	value = strings.ToLower(value)
	for _, candidate := range sensitiveTokens {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a deterministic command preview for traces and logs.
func FormatCommand(toolName string, args []string) string {
	parts := append([]string{strings.TrimSpace(toolName)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}

// WrapExecutionError annotates execution failures with command identity.
// Sensitive arguments are masked.
func WrapExecutionError(toolName string, args []string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("run %s: %w", FormatCommand(toolName, redactArgs(args)), err)
}
