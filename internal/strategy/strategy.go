// Package strategy runs one spawn, pump, drive and wait cycle per attempt and
// classifies the outcome. The ordered strategy list is plain data so a new
// way of delivering input is one more entry.
package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/botpilot/botpilot/internal/driver"
)

// Attempt is the input to one strategy run. Answers are always the full list.
type Attempt struct {
	Index      int
	Executable string
	Args       []string
	Dir        string
	Env        []string
	Answers    []string
}

// Outcome is computed once per attempt.
type Outcome struct {
	ExitCode       int
	CombinedOutput string
	Defect         DefectClass
	Sent           int
	PID            int
	Duration       time.Duration
	Cancelled      bool
	StopReason     driver.StopReason
	WriteErr       error
}

// Func performs one attempt. A returned error means the child could not be
// started at all and is never retried.
type Func func(ctx context.Context, e *Executor, attempt Attempt) (Outcome, error)

// Strategy is a named way of connecting answers to a child.
type Strategy struct {
	Name string
	Run  Func
}

var (
	// DirectPipe writes answers into a live stdin pipe.
	DirectPipe = Strategy{Name: "direct-pipe", Run: runDirectPipe}
	// TempFile redirects stdin from a file holding every answer.
	TempFile = Strategy{Name: "temp-file", Run: runTempFile}
	// WrapperScript runs the child from a shell or batch script that does the redirect.
	WrapperScript = Strategy{Name: "wrapper-script", Run: runWrapperScript}
	// Passthrough wires the caller's own terminal to the child.
	Passthrough = Strategy{Name: "passthrough", Run: runPassthrough}
)

// Default returns the scripted strategies in retry order.
func Default() []Strategy {
	return []Strategy{DirectPipe, TempFile, WrapperScript}
}

var registry = map[string]Strategy{
	DirectPipe.Name:    DirectPipe,
	TempFile.Name:      TempFile,
	WrapperScript.Name: WrapperScript,
}

// ByName resolves configured strategy names, keeping their order. Empty input
// yields Default.
func ByName(names []string) ([]Strategy, error) {
	if len(names) == 0 {
		return Default(), nil
	}
	out := make([]Strategy, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		s, ok := registry[key]
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("strategy %q listed twice", name)
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}
