// Package bots resolves configured bots to the directory, command and answer
// file a run needs.
package bots

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/botpilot/botpilot/internal/answers"
	"github.com/botpilot/botpilot/internal/config"
)

const (
	TypePython     = "python"
	TypeJavaScript = "javascript"
	TypeCustom     = "custom"
)

// maxSuggestions bounds "did you mean" lists.
const maxSuggestions = 3

// ErrNotFound matches every *NotFoundError.
var ErrNotFound = errors.New("bot not found")

// NotFoundError reports an unknown bot name with close matches.
type NotFoundError struct {
	Name        string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("%s: %q", ErrNotFound, e.Name)
	}
	return fmt.Sprintf("%s: %q (did you mean %s?)", ErrNotFound, e.Name, strings.Join(e.Suggestions, ", "))
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Bot is a configured bot with its paths resolved.
type Bot struct {
	Name        string
	Dir         string
	RepoURL     string
	Type        string
	Command     string
	Args        []string
	AnswersFile string
	Setup       [][]string
	Enabled     bool
}

// Registry holds the configured bots.
type Registry struct {
	bots []Bot
}

// NewRegistry resolves every configured bot. A bot without a path lives in
// <bots_root>/<name>; answer files default to <answers_dir>/<name>.json.
func NewRegistry(cfg config.Config) *Registry {
	registry := &Registry{bots: make([]Bot, 0, len(cfg.Bots))}
	for _, entry := range cfg.Bots {
		dir := strings.TrimSpace(entry.Path)
		if dir == "" {
			dir = filepath.Join(cfg.BotsRoot, entry.Name)
		}
		answersFile := strings.TrimSpace(entry.Answers)
		if answersFile == "" {
			answersFile = answers.FileFor(cfg.AnswersDir, entry.Name)
		}
		botType := strings.ToLower(strings.TrimSpace(entry.Type))
		if botType == "" {
			botType = TypeCustom
		}
		registry.bots = append(registry.bots, Bot{
			Name:        entry.Name,
			Dir:         dir,
			RepoURL:     strings.TrimSpace(entry.RepoURL),
			Type:        botType,
			Command:     strings.TrimSpace(entry.Command),
			Args:        append([]string(nil), entry.Args...),
			AnswersFile: answersFile,
			Setup:       entry.Setup,
			Enabled:     entry.Enabled,
		})
	}
	sort.SliceStable(registry.bots, func(i, j int) bool {
		return strings.ToLower(registry.bots[i].Name) < strings.ToLower(registry.bots[j].Name)
	})
	return registry
}

// All returns every bot sorted by name.
func (r *Registry) All() []Bot {
	if r == nil {
		return nil
	}
	return append([]Bot(nil), r.bots...)
}

// Enabled returns the enabled bots sorted by name.
func (r *Registry) Enabled() []Bot {
	if r == nil {
		return nil
	}
	out := make([]Bot, 0, len(r.bots))
	for _, bot := range r.bots {
		if bot.Enabled {
			out = append(out, bot)
		}
	}
	return out
}

// Lookup finds a bot by case-insensitive name.
func (r *Registry) Lookup(name string) (Bot, error) {
	trimmed := strings.TrimSpace(name)
	if r != nil {
		for _, bot := range r.bots {
			if strings.EqualFold(bot.Name, trimmed) {
				return bot, nil
			}
		}
	}
	return Bot{}, &NotFoundError{Name: trimmed, Suggestions: r.suggest(trimmed)}
}

func (r *Registry) suggest(name string) []string {
	if r == nil || name == "" {
		return nil
	}
	names := make([]string, 0, len(r.bots))
	for _, bot := range r.bots {
		names = append(names, bot.Name)
	}

	ranks := fuzzy.RankFindFold(name, names)
	sort.Sort(ranks)
	out := make([]string, 0, maxSuggestions)
	seen := map[string]struct{}{}
	for _, rank := range ranks {
		out = append(out, rank.Target)
		seen[rank.Target] = struct{}{}
	}
	// Typos that drop subsequence order still deserve a hint.
	for _, candidate := range names {
		if _, ok := seen[candidate]; ok {
			continue
		}
		if fuzzy.LevenshteinDistance(strings.ToLower(name), strings.ToLower(candidate)) <= 2 {
			out = append(out, candidate)
		}
	}
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}

var (
	venvDirs      = []string{".venv", "venv", "myenv"}
	pythonScripts = []string{"run.py", "main.py", "bot.py"}
	nodeScripts   = []string{"index.js", "main.js", "bot.js"}
)

// RunCommand returns the executable and arguments that start bot. An explicit
// command always wins over detection.
func RunCommand(bot Bot) (string, []string, error) {
	if bot.Command != "" {
		return bot.Command, append([]string(nil), bot.Args...), nil
	}
	switch bot.Type {
	case TypePython:
		script := firstFile(bot.Dir, pythonScripts)
		if script == "" {
			return "", nil, fmt.Errorf("bot %s: no %s in %s", bot.Name, strings.Join(pythonScripts, ", "), bot.Dir)
		}
		return pythonInterpreter(bot.Dir), append([]string{script}, bot.Args...), nil
	case TypeJavaScript:
		if hasStartScript(filepath.Join(bot.Dir, "package.json")) {
			args := []string{"start"}
			if len(bot.Args) > 0 {
				args = append(append(args, "--"), bot.Args...)
			}
			return "npm", args, nil
		}
		script := firstFile(bot.Dir, nodeScripts)
		if script == "" {
			return "", nil, fmt.Errorf("bot %s: no start script or %s in %s", bot.Name, strings.Join(nodeScripts, ", "), bot.Dir)
		}
		return "node", append([]string{script}, bot.Args...), nil
	default:
		return "", nil, fmt.Errorf("bot %s: type %q needs an explicit command", bot.Name, bot.Type)
	}
}

func pythonInterpreter(dir string) string {
	candidates := []string{filepath.Join("bin", "python3"), filepath.Join("bin", "python")}
	fallback := "python3"
	if runtime.GOOS == "windows" {
		candidates = []string{filepath.Join("Scripts", "python.exe")}
		fallback = "python"
	}
	for _, venv := range venvDirs {
		for _, candidate := range candidates {
			path := filepath.Join(dir, venv, candidate)
			if isFile(path) {
				if abs, err := filepath.Abs(path); err == nil {
					return abs
				}
				return path
			}
		}
	}
	return fallback
}

func hasStartScript(path string) bool {
	// #nosec G304 -- package.json lives in a configured bot directory.
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var manifest struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return false
	}
	return strings.TrimSpace(manifest.Scripts["start"]) != ""
}

func firstFile(dir string, names []string) string {
	for _, name := range names {
		if isFile(filepath.Join(dir, name)) {
			return name
		}
	}
	return ""
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
