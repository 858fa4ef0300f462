package strategy

import (
	"fmt"
	"os"
	"strings"
)

// writeAnswersFile writes every answer, line-terminated, to a private temp file.
func (e *Executor) writeAnswersFile(answers []string) (string, func(), error) {
	file, err := os.CreateTemp(e.tempDir, "botpilot-answers-*.txt")
	if err != nil {
		return "", func() {}, fmt.Errorf("create answers file: %w", err)
	}
	path := file.Name()
	cleanup := func() { _ = os.Remove(path) }

	var b strings.Builder
	for _, answer := range answers {
		b.WriteString(answer)
		b.WriteString(e.lineEnding)
	}
	if _, err := file.WriteString(b.String()); err != nil {
		_ = file.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("write answers file %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close answers file %s: %w", path, err)
	}
	return path, cleanup, nil
}

// writeWrapperScript writes a platform-native script that changes into the
// attempt's directory and runs the executable with stdin from answersPath. It
// returns the interpreter invocation for the script.
func (e *Executor) writeWrapperScript(attempt Attempt, answersPath string) (string, []string, func(), error) {
	pattern, body := "botpilot-wrapper-*.sh", shellScript(attempt, answersPath)
	if e.goos == "windows" {
		pattern, body = "botpilot-wrapper-*.bat", batchScript(attempt, answersPath)
	}

	file, err := os.CreateTemp(e.tempDir, pattern)
	if err != nil {
		return "", nil, func() {}, fmt.Errorf("create wrapper script: %w", err)
	}
	path := file.Name()
	cleanup := func() { _ = os.Remove(path) }
	if _, err := file.WriteString(body); err != nil {
		_ = file.Close()
		cleanup()
		return "", nil, func() {}, fmt.Errorf("write wrapper script %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", nil, func() {}, fmt.Errorf("close wrapper script %s: %w", path, err)
	}

	if e.goos == "windows" {
		shell := os.Getenv("COMSPEC")
		if shell == "" {
			shell = "cmd.exe"
		}
		return shell, []string{"/c", path}, cleanup, nil
	}
	if err := os.Chmod(path, 0o700); err != nil {
		cleanup()
		return "", nil, func() {}, fmt.Errorf("chmod wrapper script %s: %w", path, err)
	}
	return "/bin/sh", []string{path}, cleanup, nil
}

func shellScript(attempt Attempt, answersPath string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if attempt.Dir != "" {
		fmt.Fprintf(&b, "cd %s || exit 1\n", ShellQuote(attempt.Dir))
	}
	b.WriteString("exec ")
	b.WriteString(ShellQuote(attempt.Executable))
	for _, arg := range attempt.Args {
		b.WriteByte(' ')
		b.WriteString(ShellQuote(arg))
	}
	fmt.Fprintf(&b, " < %s\n", ShellQuote(answersPath))
	return b.String()
}

// ShellQuote wraps value in single quotes for POSIX sh.
func ShellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func batchScript(attempt Attempt, answersPath string) string {
	var b strings.Builder
	b.WriteString("@echo off\r\n")
	if attempt.Dir != "" {
		fmt.Fprintf(&b, "cd /d %s\r\n", batchQuote(attempt.Dir))
	}
	b.WriteString(batchQuote(attempt.Executable))
	for _, arg := range attempt.Args {
		b.WriteByte(' ')
		b.WriteString(batchQuote(arg))
	}
	fmt.Fprintf(&b, " < %s\r\n", batchQuote(answersPath))
	b.WriteString("exit /b %ERRORLEVEL%\r\n")
	return b.String()
}

// batchQuote double-quotes value for cmd.exe and escapes percent expansion.
func batchQuote(value string) string {
	escaped := strings.ReplaceAll(value, "%", "%%")
	escaped = strings.ReplaceAll(escaped, `"`, `""`)
	return `"` + escaped + `"`
}
