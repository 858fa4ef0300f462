package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"

	"github.com/botpilot/botpilot/internal/events"
)

// DiagnosticsOptions configures the side channel the engine reports on.
type DiagnosticsOptions struct {
	Level string
	// Plain disables colour regardless of the terminal.
	Plain bool
}

// Palette entries carry truecolor, 256-colour and 16-colour variants; the
// renderer picks one for the detected profile.
var (
	mutedColor   = lipgloss.CompleteColor{TrueColor: "#52526A", ANSI256: "60", ANSI: "8"}
	infoColor    = lipgloss.CompleteColor{TrueColor: "#9999CC", ANSI256: "146", ANSI: "12"}
	accentColor  = lipgloss.CompleteColor{TrueColor: "#FF9966", ANSI256: "209", ANSI: "11"}
	warnColor    = lipgloss.CompleteColor{TrueColor: "#FFCC00", ANSI256: "220", ANSI: "11"}
	errorColor   = lipgloss.CompleteColor{TrueColor: "#FF3333", ANSI256: "203", ANSI: "9"}
	successColor = lipgloss.CompleteColor{TrueColor: "#33FF33", ANSI256: "46", ANSI: "10"}
)

var levelColors = map[log.Level]lipgloss.TerminalColor{
	log.DebugLevel: mutedColor,
	log.InfoLevel:  infoColor,
	log.WarnLevel:  warnColor,
	log.ErrorLevel: errorColor,
}

// NewDiagnostics returns the human-facing logger for resolved paths, chosen
// strategies, detected defects and state changes. It must never share a
// stream with child output; callers pass stderr.
func NewDiagnostics(w io.Writer, opts DiagnosticsOptions) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := log.InfoLevel
	if parsed, err := log.ParseLevel(strings.TrimSpace(opts.Level)); err == nil && opts.Level != "" {
		level = parsed
	}

	logger := log.NewWithOptions(w, log.Options{
		Prefix: "botpilot",
		Level:  level,
	})

	profile := termenv.NewOutput(w).EnvColorProfile()
	if opts.Plain {
		profile = termenv.Ascii
	}
	logger.SetColorProfile(profile)

	styles := log.DefaultStyles()
	for lvl, color := range levelColors {
		styles.Levels[lvl] = lipgloss.NewStyle().
			SetString(strings.ToUpper(lvl.String())).
			Bold(true).
			MaxWidth(5).
			Foreground(color)
	}
	styles.Prefix = lipgloss.NewStyle().Bold(true).Foreground(mutedColor)
	styles.Keys["strategy"] = lipgloss.NewStyle().Foreground(accentColor)
	styles.Values["strategy"] = lipgloss.NewStyle().Bold(true)
	styles.Keys["defect"] = lipgloss.NewStyle().Foreground(errorColor)
	styles.Values["defect"] = lipgloss.NewStyle().Bold(true)
	styles.Keys["state"] = lipgloss.NewStyle().Foreground(successColor)
	logger.SetStyles(styles)
	return logger
}

// MirrorEvents returns a bus handler that writes every event to logger.
func MirrorEvents(logger *log.Logger) events.Handler {
	return func(event events.Event) {
		if logger == nil {
			return
		}
		keyvals := []any{
			"event", event.Type,
			"entity_type", event.EntityType,
			"entity_id", event.EntityID,
		}
		if event.Payload != nil {
			keyvals = append(keyvals, "payload", event.Payload)
		}
		switch event.Severity {
		case events.SeverityError:
			logger.Error("event", keyvals...)
		case events.SeverityWarn:
			logger.Warn("event", keyvals...)
		default:
			logger.Info("event", keyvals...)
		}
	}
}
