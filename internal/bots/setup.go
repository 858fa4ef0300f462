package bots

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/botpilot/botpilot/internal/tracing"
)

const defaultVenvDir = ".venv"

// SyncStep returns the git command that brings bot.Dir up to date with
// bot.RepoURL: a pull when a checkout exists, otherwise a shallow clone run
// from the parent directory. ok is false when the bot has no repository.
func SyncStep(bot Bot) (step tracing.Step, ok bool, err error) {
	repoURL := strings.TrimSpace(bot.RepoURL)
	if repoURL == "" {
		return tracing.Step{}, false, nil
	}
	dir := strings.TrimSpace(bot.Dir)
	if dir == "" {
		return tracing.Step{}, false, fmt.Errorf("bot %s: repo_url needs a directory", bot.Name)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return tracing.Step{}, false, fmt.Errorf("resolve %s: %w", dir, err)
	}

	if info, err := os.Stat(filepath.Join(abs, ".git")); err == nil && info.IsDir() {
		return tracing.Step{Tool: "git", Args: []string{"pull", "--rebase"}, Dir: abs}, true, nil
	}

	entries, err := os.ReadDir(abs)
	switch {
	case err == nil && len(entries) > 0:
		return tracing.Step{}, false, fmt.Errorf("bot %s: %s is not empty and not a git checkout", bot.Name, abs)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return tracing.Step{}, false, fmt.Errorf("read %s: %w", abs, err)
	}
	return tracing.Step{
		Tool: "git",
		Args: []string{"clone", "--depth", "1", repoURL, abs},
		Dir:  filepath.Dir(abs),
	}, true, nil
}

// Sync clones or pulls the bot's repository. Bots without repo_url are left
// untouched.
func Sync(ctx context.Context, bot Bot, logger *log.Logger) error {
	step, ok, err := SyncStep(bot)
	if err != nil || !ok {
		return err
	}
	if err := os.MkdirAll(step.Dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", step.Dir, err)
	}
	if logger != nil {
		logger.Info("syncing bot repository", "bot", bot.Name, "command", step.Args[0], "dir", bot.Dir)
	}
	result, err := tracing.ExecuteTool(ctx, step)
	if err != nil {
		if logger != nil && result.Stderr != "" {
			logger.Error("repository sync failed", "bot", bot.Name, "stderr", result.Stderr)
		}
		return fmt.Errorf("sync %s: %w", bot.Name, err)
	}
	return nil
}

// InstallSteps derives the dependency install for a python or javascript bot
// from the files in its directory. Python bots get a .venv when none exists and
// install requirements.txt with the venv interpreter; javascript bots run
// npm ci when a lock file and node_modules are present, npm install otherwise.
func InstallSteps(bot Bot) [][]string {
	switch bot.Type {
	case TypePython:
		if !isFile(filepath.Join(bot.Dir, "requirements.txt")) {
			return nil
		}
		var steps [][]string
		python := pythonInterpreter(bot.Dir)
		if !hasVenv(bot.Dir) {
			steps = append(steps, []string{python, "-m", "venv", defaultVenvDir})
			python = venvPython(bot.Dir)
		}
		return append(steps, []string{python, "-m", "pip", "install", "--no-cache-dir", "-q", "-r", "requirements.txt"})
	case TypeJavaScript:
		if !isFile(filepath.Join(bot.Dir, "package.json")) {
			return nil
		}
		if isDir(filepath.Join(bot.Dir, "node_modules")) && isFile(filepath.Join(bot.Dir, "package-lock.json")) {
			return [][]string{{"npm", "ci", "--silent", "--no-progress"}}
		}
		return [][]string{{"npm", "install", "--silent", "--no-progress"}}
	default:
		return nil
	}
}

// SetupSteps returns the configured setup commands, falling back to
// InstallSteps when none are configured.
func SetupSteps(bot Bot) [][]string {
	if len(bot.Setup) > 0 {
		return bot.Setup
	}
	return InstallSteps(bot)
}

func hasVenv(dir string) bool {
	for _, venv := range venvDirs {
		if isDir(filepath.Join(dir, venv)) {
			return true
		}
	}
	return false
}

// venvPython is the interpreter inside a venv that does not exist yet.
func venvPython(dir string) string {
	path := filepath.Join(dir, defaultVenvDir, "bin", "python")
	if runtime.GOOS == "windows" {
		path = filepath.Join(dir, defaultVenvDir, "Scripts", "python.exe")
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
