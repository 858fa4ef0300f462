package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/botpilot/botpilot/internal/bots"
	"github.com/botpilot/botpilot/internal/events"
	"github.com/botpilot/botpilot/internal/strategy"
	"github.com/botpilot/botpilot/internal/tmux"
)

var (
	selfExecutable = os.Executable
	getwd          = os.Getwd
)

func newTmuxCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tmux",
		Short: "Run bots in detached tmux sessions",
	}
	cmd.AddCommand(
		newTmuxLaunchCommand(a),
		newTmuxListCommand(a),
		newTmuxKillCommand(a),
		newTmuxCaptureCommand(a),
		newTmuxSendCommand(a),
		newTmuxFollowCommand(a),
	)
	return cmd
}

// selectBots returns the named bots, or every enabled bot when none are named.
func (a *app) selectBots(names []string) ([]bots.Bot, error) {
	registry := bots.NewRegistry(a.cfg)
	if len(names) == 0 {
		enabled := registry.Enabled()
		if len(enabled) == 0 {
			return nil, errors.New("no enabled bots configured")
		}
		return enabled, nil
	}
	selected := make([]bots.Bot, 0, len(names))
	for _, name := range names {
		bot, err := registry.Lookup(name)
		if err != nil {
			return nil, err
		}
		selected = append(selected, bot)
	}
	return selected, nil
}

func newTmuxLaunchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "launch [bot...]",
		Short: "Start each bot in its own detached session",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := a.selectBots(args)
			if err != nil {
				return err
			}
			manager, err := a.newTmux()
			if err != nil {
				return err
			}
			self, err := selfExecutable()
			if err != nil {
				return fmt.Errorf("resolve botpilot executable: %w", err)
			}
			workdir, err := getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}

			existing := map[string]struct{}{}
			sessions, err := manager.ListSessions(cmd.Context(), true)
			if err != nil {
				return err
			}
			for _, session := range sessions {
				existing[session.Name] = struct{}{}
			}

			for _, bot := range selected {
				name := tmux.SessionName(bot.Name)
				if _, ok := existing[name]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already running in %s\n", bot.Name, name)
					continue
				}
				command := strategy.ShellQuote(self) + " run " + strategy.ShellQuote(bot.Name)
				if err := manager.CreateSession(cmd.Context(), name, command, workdir); err != nil {
					return err
				}
				a.logger.Info("launched tmux session", "bot", bot.Name, "session", name)
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", bot.Name, name)
			}
			return nil
		},
	}
}

func newTmuxListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List bot sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, err := a.newTmux()
			if err != nil {
				return err
			}
			sessions, err := manager.ListSessions(cmd.Context(), true)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no bot sessions")
				return nil
			}
			for _, session := range sessions {
				if session.Attached {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (attached)\n", session.Name)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), session.Name)
			}
			return nil
		},
	}
}

func newTmuxKillCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kill [bot...]",
		Short: "Stop bot sessions: SIGTERM, grace period, SIGKILL, then remove the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := a.newTmux()
			if err != nil {
				return err
			}
			var names []string
			if len(args) == 0 {
				sessions, err := manager.ListSessions(cmd.Context(), true)
				if err != nil {
					return err
				}
				for _, session := range sessions {
					names = append(names, session.Name)
				}
			} else {
				for _, arg := range args {
					names = append(names, tmux.SessionName(arg))
				}
			}

			var errs []error
			for _, name := range names {
				pid, err := manager.PanePID(cmd.Context(), name)
				if err != nil {
					a.diag.Debug("pane pid unavailable; removing session only", "session", name, "err", err)
					pid = 0
				}
				if err := manager.EnforceTimeout(cmd.Context(), name, pid, a.cfg.Automation.TerminationGrace); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", name)
			}
			return errors.Join(errs...)
		},
	}
}

func newTmuxCaptureCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "capture <bot>",
		Short: "Print the recent output of a bot session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := a.newTmux()
			if err != nil {
				return err
			}
			output, err := manager.CapturePanes(cmd.Context(), tmux.SessionName(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}
}

func newTmuxSendCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <bot> <text...>",
		Short: "Type a line into a bot session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := a.newTmux()
			if err != nil {
				return err
			}
			return manager.SendKeys(cmd.Context(), tmux.SessionName(args[0]), strings.Join(args[1:], " "))
		},
	}
}

func newTmuxFollowCommand(a *app) *cobra.Command {
	interval := tmux.DefaultOutputPollInterval
	cmd := &cobra.Command{
		Use:   "follow <bot>",
		Short: "Stream new output from a bot session until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := a.newTmux()
			if err != nil {
				return err
			}
			if a.bus == nil {
				return errors.New("event bus is required")
			}
			name := tmux.SessionName(args[0])
			out := cmd.OutOrStdout()
			a.bus.Subscribe(tmux.EventTypeSessionOutputChunk, func(event events.Event) {
				chunk, ok := event.Payload.(tmux.OutputChunk)
				if !ok || chunk.Session != name {
					return
				}
				fmt.Fprintln(out, chunk.Text)
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return manager.StreamOutput(ctx, name, interval, a.bus)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", interval, "poll interval")
	return cmd
}
