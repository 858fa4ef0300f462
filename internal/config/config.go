package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel          = "info"
	defaultBotsRoot          = "bots"
	defaultAnswersDir        = ".bot-inputs"
	defaultAnswerTimeout     = 8 * time.Second
	defaultSilenceThreshold  = 800 * time.Millisecond
	defaultSettleDelay       = 250 * time.Millisecond
	defaultTerminationGrace  = 3 * time.Second
	defaultWindowSize        = 256
	defaultCaptureBytes      = 64 * 1024
	defaultLineEnding        = "\n"
	defaultRemoteWorkflow    = "run-single-bots.yml"
	defaultRemoteRef         = "main"
	defaultRemoteTokenEnv    = "GITHUB_TOKEN"
	defaultRemoteDurationMin = 60

	// DirName is the per-user and per-project configuration directory.
	DirName = ".botpilot"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	LogLevel   string
	BotsRoot   string
	AnswersDir string
	Automation AutomationConfig
	Prompts    PromptsConfig
	// Defects maps a defect class name to extra case-insensitive signatures.
	Defects map[string][]string
	Remote  RemoteConfig
	OTel    OTelConfig
	Bots    []BotConfig
}

// AutomationConfig tunes the scripted-input engine.
type AutomationConfig struct {
	AnswerTimeout    time.Duration
	SilenceThreshold time.Duration
	SettleDelay      time.Duration
	InputLinger      time.Duration
	TerminationGrace time.Duration
	WindowSize       int
	CaptureBytes     int
	LineEnding       string
	Strategies       []string
	InteractivePTY   bool
	LockDir          string
}

// PromptsConfig replaces or extends the built-in prompt patterns.
type PromptsConfig struct {
	Patterns []string
	Extra    []string
}

// RemoteConfig addresses the GitHub workflow used for remote runs.
type RemoteConfig struct {
	Owner           string
	Repo            string
	Workflow        string
	Ref             string
	TokenEnv        string
	DurationMinutes int
}

// OTelConfig enables trace export when Endpoint is set.
type OTelConfig struct {
	Endpoint string
}

// BotConfig is one [[bots]] registry entry.
type BotConfig struct {
	Name string
	Path string
	// RepoURL is cloned into Path, or pulled when a checkout exists.
	RepoURL string
	Type    string
	Command string
	Args    []string
	Answers string
	// Setup replaces the dependency install derived from Type.
	Setup   [][]string
	Enabled bool
}

type fileConfig struct {
	LogLevel   *string             `toml:"log_level"`
	BotsRoot   *string             `toml:"bots_root"`
	AnswersDir *string             `toml:"answers_dir"`
	Automation *automationFile     `toml:"automation"`
	Prompts    *promptsFile        `toml:"prompts"`
	Defects    map[string][]string `toml:"defects"`
	Remote     *remoteFile         `toml:"remote"`
	OTel       *otelFile           `toml:"otel"`
	Bots       []botFile           `toml:"bots"`
}

type automationFile struct {
	AnswerTimeout    *string  `toml:"answer_timeout"`
	SilenceThreshold *string  `toml:"silence_threshold"`
	SettleDelay      *string  `toml:"settle_delay"`
	InputLinger      *string  `toml:"input_linger"`
	TerminationGrace *string  `toml:"termination_grace"`
	WindowSize       *int     `toml:"window_size"`
	CaptureBytes     *int     `toml:"capture_bytes"`
	LineEnding       *string  `toml:"line_ending"`
	Strategies       []string `toml:"strategies"`
	InteractivePTY   *bool    `toml:"interactive_pty"`
	LockDir          *string  `toml:"lock_dir"`
}

type promptsFile struct {
	Patterns []string `toml:"patterns"`
	Extra    []string `toml:"extra"`
}

type remoteFile struct {
	Owner           *string `toml:"owner"`
	Repo            *string `toml:"repo"`
	Workflow        *string `toml:"workflow"`
	Ref             *string `toml:"ref"`
	TokenEnv        *string `toml:"token_env"`
	DurationMinutes *int    `toml:"duration_minutes"`
}

type otelFile struct {
	Endpoint *string `toml:"endpoint"`
}

type botFile struct {
	Name    string     `toml:"name"`
	Path    string     `toml:"path"`
	RepoURL string     `toml:"repo_url"`
	Type    string     `toml:"type"`
	Command string     `toml:"command"`
	Args    []string   `toml:"args"`
	Answers string     `toml:"answers"`
	Setup   [][]string `toml:"setup"`
	Enabled *bool      `toml:"enabled"`
}

// Load reads config from ~/.botpilot/config.toml and overlays a project-local
// .botpilot/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, DirName, "config.toml"),
		filepath.Join(workingDir, DirName, "config.toml"),
	}
	return LoadFiles(ctx, paths...)
}

// LoadFiles layers the given files over the defaults. Missing files are skipped.
func LoadFiles(ctx context.Context, paths ...string) (*Config, error) {
	cfg := Defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" && cfg.OTel.Endpoint == "" {
		cfg.OTel.Endpoint = endpoint
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the configuration used when no file overrides a value.
func Defaults() Config {
	return Config{
		LogLevel:   defaultLogLevel,
		BotsRoot:   defaultBotsRoot,
		AnswersDir: defaultAnswersDir,
		Automation: AutomationConfig{
			AnswerTimeout:    defaultAnswerTimeout,
			SilenceThreshold: defaultSilenceThreshold,
			SettleDelay:      defaultSettleDelay,
			TerminationGrace: defaultTerminationGrace,
			WindowSize:       defaultWindowSize,
			CaptureBytes:     defaultCaptureBytes,
			LineEnding:       defaultLineEnding,
		},
		Defects: map[string][]string{},
		Remote: RemoteConfig{
			Workflow:        defaultRemoteWorkflow,
			Ref:             defaultRemoteRef,
			TokenEnv:        defaultRemoteTokenEnv,
			DurationMinutes: defaultRemoteDurationMin,
		},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse %s in %q: unsupported key", undecoded[0].String(), path)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyAutomationOverrides(cfg, decoded.Automation, path); err != nil {
		return err
	}
	applyPromptOverrides(cfg, decoded.Prompts)
	applyDefectOverrides(cfg, decoded.Defects)
	if err := applyRemoteOverrides(cfg, decoded.Remote, path); err != nil {
		return err
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTel.Endpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
	return overlayBots(cfg, decoded.Bots, path)
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("parse %s in %q: must be >= 0", key, path)
	}
	return parsed, nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.BotsRoot != nil {
		cfg.BotsRoot = strings.TrimSpace(*decoded.BotsRoot)
	}
	if decoded.AnswersDir != nil {
		cfg.AnswersDir = strings.TrimSpace(*decoded.AnswersDir)
	}
}

func applyAutomationOverrides(cfg *Config, decoded *automationFile, path string) error {
	if decoded == nil {
		return nil
	}
	durations := []struct {
		value  *string
		key    string
		target *time.Duration
	}{
		{decoded.AnswerTimeout, "automation.answer_timeout", &cfg.Automation.AnswerTimeout},
		{decoded.SilenceThreshold, "automation.silence_threshold", &cfg.Automation.SilenceThreshold},
		{decoded.SettleDelay, "automation.settle_delay", &cfg.Automation.SettleDelay},
		{decoded.InputLinger, "automation.input_linger", &cfg.Automation.InputLinger},
		{decoded.TerminationGrace, "automation.termination_grace", &cfg.Automation.TerminationGrace},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		value, err := parseDuration(*d.value, d.key, path)
		if err != nil {
			return err
		}
		*d.target = value
	}

	if decoded.WindowSize != nil {
		if *decoded.WindowSize < 16 || *decoded.WindowSize > 4096 {
			return fmt.Errorf("parse automation.window_size in %q: must be between 16 and 4096", path)
		}
		cfg.Automation.WindowSize = *decoded.WindowSize
	}
	if decoded.CaptureBytes != nil {
		if *decoded.CaptureBytes <= 0 {
			return fmt.Errorf("parse automation.capture_bytes in %q: must be > 0", path)
		}
		cfg.Automation.CaptureBytes = *decoded.CaptureBytes
	}
	if decoded.LineEnding != nil {
		ending, err := parseLineEnding(*decoded.LineEnding, path)
		if err != nil {
			return err
		}
		cfg.Automation.LineEnding = ending
	}
	if decoded.Strategies != nil {
		cfg.Automation.Strategies = normalizeList(decoded.Strategies)
	}
	if decoded.InteractivePTY != nil {
		cfg.Automation.InteractivePTY = *decoded.InteractivePTY
	}
	if decoded.LockDir != nil {
		cfg.Automation.LockDir = strings.TrimSpace(*decoded.LockDir)
	}
	return nil
}

// parseLineEnding accepts the symbolic names as well as the raw sequences.
func parseLineEnding(value, path string) (string, error) {
	switch value {
	case "\n", "\r\n", "\r":
		return value, nil
	}
	switch normalizeKey(value) {
	case "lf":
		return "\n", nil
	case "crlf":
		return "\r\n", nil
	case "cr":
		return "\r", nil
	default:
		return "", fmt.Errorf("parse automation.line_ending in %q: want lf, crlf or cr", path)
	}
}

func applyPromptOverrides(cfg *Config, decoded *promptsFile) {
	if decoded == nil {
		return
	}
	if decoded.Patterns != nil {
		cfg.Prompts.Patterns = append([]string(nil), decoded.Patterns...)
	}
	if decoded.Extra != nil {
		cfg.Prompts.Extra = append(cfg.Prompts.Extra, decoded.Extra...)
	}
}

func applyDefectOverrides(cfg *Config, decoded map[string][]string) {
	if cfg.Defects == nil {
		cfg.Defects = map[string][]string{}
	}
	for class, signatures := range decoded {
		key := normalizeKey(class)
		cfg.Defects[key] = append(cfg.Defects[key], signatures...)
	}
}

func applyRemoteOverrides(cfg *Config, decoded *remoteFile, path string) error {
	if decoded == nil {
		return nil
	}
	fields := []struct {
		value  *string
		target *string
	}{
		{decoded.Owner, &cfg.Remote.Owner},
		{decoded.Repo, &cfg.Remote.Repo},
		{decoded.Workflow, &cfg.Remote.Workflow},
		{decoded.Ref, &cfg.Remote.Ref},
		{decoded.TokenEnv, &cfg.Remote.TokenEnv},
	}
	for _, field := range fields {
		if field.value != nil {
			*field.target = strings.TrimSpace(*field.value)
		}
	}
	if decoded.DurationMinutes != nil {
		if *decoded.DurationMinutes <= 0 {
			return fmt.Errorf("parse remote.duration_minutes in %q: must be > 0", path)
		}
		cfg.Remote.DurationMinutes = *decoded.DurationMinutes
	}
	return nil
}

// overlayBots replaces entries with the same name and appends new ones, so a
// project file can disable or redirect a bot declared in the home file.
func overlayBots(cfg *Config, decoded []botFile, path string) error {
	for i, entry := range decoded {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return fmt.Errorf("parse bots[%d] in %q: name is required", i, path)
		}
		botType := normalizeKey(entry.Type)
		switch botType {
		case "":
			botType = "custom"
		case "python", "javascript", "custom":
		default:
			return fmt.Errorf("parse bots[%d].type in %q: unsupported type %q", i, path, entry.Type)
		}
		for j, step := range entry.Setup {
			if len(step) == 0 {
				return fmt.Errorf("parse bots[%d].setup[%d] in %q: empty command", i, j, path)
			}
		}

		bot := BotConfig{
			Name:    name,
			Path:    strings.TrimSpace(entry.Path),
			RepoURL: strings.TrimSpace(entry.RepoURL),
			Type:    botType,
			Command: strings.TrimSpace(entry.Command),
			Args:    append([]string(nil), entry.Args...),
			Answers: strings.TrimSpace(entry.Answers),
			Setup:   entry.Setup,
			Enabled: true,
		}
		if entry.Enabled != nil {
			bot.Enabled = *entry.Enabled
		}

		replaced := false
		for k := range cfg.Bots {
			if strings.EqualFold(cfg.Bots[k].Name, name) {
				cfg.Bots[k] = bot
				replaced = true
				break
			}
		}
		if !replaced {
			cfg.Bots = append(cfg.Bots, bot)
		}
	}
	return nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if normalized := normalizeKey(value); normalized != "" {
			out = append(out, normalized)
		}
	}
	return out
}
