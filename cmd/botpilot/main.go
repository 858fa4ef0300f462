package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/botpilot/botpilot/internal/config"
	"github.com/botpilot/botpilot/internal/events"
	"github.com/botpilot/botpilot/internal/logging"
	"github.com/botpilot/botpilot/internal/remote"
	"github.com/botpilot/botpilot/internal/telemetry"
	"github.com/botpilot/botpilot/internal/tmux"
	"github.com/botpilot/botpilot/internal/tracing"
)

// Version is set at build time.
var Version = "dev"

func main() {
	os.Exit(execute(context.Background(), os.Args[1:]))
}

// exitCodeError carries a process exit status through cobra.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

// app is what every subcommand shares.
type app struct {
	cfg     config.Config
	runID   string
	logger  *log.Logger
	diag    *log.Logger
	bus     events.Bus
	stdout  io.Writer
	stderr  io.Writer
	stdin   *os.File
	confirm func(title string) (bool, error)
	newTmux func() (*tmux.Manager, error)
	// remoteOptions are appended to every remote client.
	remoteOptions []remote.Option
	// interrupts delivers Ctrl+C to commands that handle it themselves.
	interrupts <-chan os.Signal
}

func execute(ctx context.Context, args []string) int {
	code, err := run(ctx, args)
	if err != nil {
		var exitErr *exitCodeError
		if !errors.As(err, &exitErr) || exitErr.err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return code
}

func run(ctx context.Context, args []string) (int, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return 1, fmt.Errorf("load config: %w", err)
	}

	runID := uuid.NewString()
	fileLogger, err := logging.New(ctx, logging.WithRunID(runID), logging.WithLevel(cfg.LogLevel))
	if err != nil {
		return 1, fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := fileLogger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	diag := logging.NewDiagnostics(os.Stderr, logging.DiagnosticsOptions{Level: cfg.LogLevel})
	bus := events.New(events.WithLogger(diag))
	bus.SubscribeAll(logging.MirrorEvents(fileLogger.Logger))
	defer bus.Close()

	if cfg.OTel.Endpoint != "" {
		shutdown, err := telemetry.Init(ctx, cfg.OTel.Endpoint)
		if err != nil {
			diag.Warn("tracing disabled", "err", err)
		} else {
			defer shutdown()
		}
	}

	a := &app{
		cfg:     *cfg,
		runID:   runID,
		logger:  fileLogger.Logger,
		diag:    diag,
		bus:     bus,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		stdin:   os.Stdin,
		confirm: confirmWithForm,
		newTmux: func() (*tmux.Manager, error) {
			if !tmux.Available() {
				return nil, errors.New("tmux is not installed or not on PATH")
			}
			return tmux.New(tmux.WithBus(bus)), nil
		},
	}

	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.code, err
		}
		return 1, err
	}
	return 0, nil
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "botpilot",
		Short:         "Run interactive bots with scripted answers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(a),
		newBotsCommand(a),
		newTmuxCommand(a),
		newTriggerCommand(a),
		newAnswersCommand(a),
		newBugreportCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if a == nil || a.logger == nil {
			return errors.New("logger is required")
		}
		a.logger.With("command", cmd.Name(), "args", redactArgs(os.Args[1:])).Debug("command invocation")
		return nil
	}

	return root
}

func confirmWithForm(title string) (bool, error) {
	confirmed := false
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&confirmed).
		Run()
	if err != nil {
		return false, err
	}
	return confirmed, nil
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
		if key, _, ok := strings.Cut(arg, "="); ok && tracing.IsSensitiveToken(key) {
			redacted = append(redacted, key+"=<redacted>")
			continue
		}
		if strings.HasPrefix(arg, "-") && tracing.IsSensitiveToken(arg) {
			maskNext = true
		}
		redacted = append(redacted, arg)
	}
	return redacted
}
