package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/botpilot/botpilot/internal/answers"
	"github.com/botpilot/botpilot/internal/automation"
	"github.com/botpilot/botpilot/internal/bots"
	"github.com/botpilot/botpilot/internal/config"
	"github.com/botpilot/botpilot/internal/driver"
	"github.com/botpilot/botpilot/internal/prompt"
	"github.com/botpilot/botpilot/internal/remote"
	"github.com/botpilot/botpilot/internal/strategy"
	"github.com/botpilot/botpilot/internal/tracing"
)

// Process exit codes for outcomes that have no child exit status.
const (
	exitExhausted = 125
	exitCancelled = 130
)

type runFlags struct {
	exec        string
	dir         string
	answersFile string
	interactive bool
	trigger     bool
	yes         bool
	all         bool
	skipSetup   bool
}

// target is one resolved thing to run.
type target struct {
	name        string
	exe         string
	args        []string
	dir         string
	answersFile string
	// explicitAnswers makes a missing answers file an error.
	explicitAnswers bool
	bot             bots.Bot
	// botArgs are appended to the detected command once the checkout exists.
	botArgs []string
}

func newRunCommand(a *app) *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "run [bot] [-- args...]",
		Short: "Run a bot, replaying its answers or attaching the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra []string
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				extra = args[dash:]
				args = args[:dash]
			}
			if len(args) > 1 {
				return fmt.Errorf("expected at most one bot, got %d", len(args))
			}
			if flags.all {
				if len(args) > 0 || flags.exec != "" {
					return errors.New("--all cannot be combined with a bot name or --exec")
				}
				return a.runAll(cmd.Context(), flags)
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			t, err := a.resolveTarget(name, flags, extra)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			code, err := a.runTarget(ctx, t, flags)
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.exec, "exec", "", "executable to run instead of a configured bot")
	cmd.Flags().StringVar(&flags.dir, "dir", "", "working directory for the child")
	cmd.Flags().StringVar(&flags.answersFile, "answers", "", "answer file (.json, .yaml or one answer per line)")
	cmd.Flags().BoolVar(&flags.interactive, "interactive", false, "ignore answer files and attach the terminal")
	cmd.Flags().BoolVar(&flags.trigger, "trigger", false, "offer a remote run with the same answers afterwards")
	cmd.Flags().BoolVarP(&flags.yes, "yes", "y", false, "do not ask before the remote trigger")
	cmd.Flags().BoolVar(&flags.all, "all", false, "run every enabled bot in turn")
	cmd.Flags().BoolVar(&flags.skipSetup, "no-setup", false, "skip the repository sync and dependency install")
	return cmd
}

func (a *app) resolveTarget(name string, flags runFlags, extra []string) (target, error) {
	t := target{
		dir:             flags.dir,
		answersFile:     flags.answersFile,
		explicitAnswers: flags.answersFile != "",
	}
	if name != "" {
		bot, err := bots.NewRegistry(a.cfg).Lookup(name)
		if err != nil {
			return target{}, err
		}
		t.bot = bot
		t.name = bot.Name
		t.botArgs = extra
		if t.dir == "" {
			t.dir = bot.Dir
		}
		if t.answersFile == "" {
			t.answersFile = bot.AnswersFile
		}
	}
	if flags.exec != "" {
		t.exe = flags.exec
		t.args = extra
		if t.name == "" {
			t.name = filepath.Base(flags.exec)
		}
	}
	if t.exe == "" && t.bot.Name == "" {
		return target{}, errors.New("name a configured bot or pass --exec")
	}
	return t, nil
}

func (a *app) loadAnswers(t target, interactive bool) ([]string, error) {
	if interactive || t.answersFile == "" {
		return nil, nil
	}
	replies, err := answers.Load(t.answersFile)
	if err != nil {
		if !t.explicitAnswers && errors.Is(err, os.ErrNotExist) {
			a.diag.Info("no answer file; running interactively", "bot", t.name, "path", t.answersFile)
			return nil, nil
		}
		return nil, err
	}
	return replies, nil
}

// runTarget prepares a configured bot, runs one automation session and maps
// the outcome to a process exit code.
func (a *app) runTarget(ctx context.Context, t target, flags runFlags) (int, error) {
	replies, err := a.loadAnswers(t, flags.interactive)
	if err != nil {
		return 1, err
	}

	if t.bot.Name != "" && !flags.skipSetup {
		if err := a.prepareBot(ctx, t); err != nil {
			return 1, err
		}
	}
	if t.exe == "" {
		bot := t.bot
		bot.Dir = t.dir
		exe, args, err := bots.RunCommand(bot)
		if err != nil {
			return 1, err
		}
		t.exe = exe
		t.args = append(args, t.botArgs...)
	}

	options, err := a.sessionOptions()
	if err != nil {
		return 1, err
	}
	session, err := automation.New(automation.Request{
		Executable: t.exe,
		Args:       t.args,
		Dir:        t.dir,
		Answers:    replies,
	}, options...)
	if err != nil {
		return 1, err
	}
	a.logger.Info("running bot", "bot", t.name, "session", session.ID(), "mode", string(automation.Request{Answers: replies}.Mode()))

	result, runErr := session.Run(ctx)
	code, err := automation.ExitCode(result, runErr)
	a.logger.Info("bot finished", "bot", t.name, "outcome", result.Outcome, "exit_code", code)
	switch {
	case errors.Is(err, automation.ErrExhausted):
		a.diag.Error("no input strategy worked", "bot", t.name, "err", err)
		return exitExhausted, nil
	case err != nil:
		return 1, err
	case code == automation.ExitCodeCancelled:
		a.diag.Warn("cancelled", "bot", t.name)
		return exitCancelled, nil
	}

	if flags.trigger && t.bot.Name != "" {
		if err := a.offerTrigger(ctx, t.bot, replies, flags.yes); err != nil {
			return code, err
		}
	}
	return code, nil
}

// prepareBot syncs the bot's repository and runs its setup steps, configured
// or derived from the bot type, in the run directory.
func (a *app) prepareBot(ctx context.Context, t target) error {
	if err := bots.Sync(ctx, t.bot, a.diag); err != nil {
		return err
	}
	dir := t.dir
	if dir == "" {
		dir = "."
	}
	bot := t.bot
	bot.Dir = dir
	steps := bots.SetupSteps(bot)
	if len(steps) == 0 {
		return nil
	}
	if err := tracing.RunSetup(ctx, dir, steps, a.diag); err != nil {
		return fmt.Errorf("setup %s: %w", t.name, err)
	}
	return nil
}

func (a *app) sessionOptions() ([]automation.Option, error) {
	executorOptions, err := executorOptions(a.cfg, a)
	if err != nil {
		return nil, err
	}
	strategies, err := strategy.ByName(a.cfg.Automation.Strategies)
	if err != nil {
		return nil, fmt.Errorf("automation.strategies: %w", err)
	}
	options := []automation.Option{
		automation.WithExecutorOptions(executorOptions...),
		automation.WithStrategies(strategies),
		automation.WithLogger(a.diag),
		automation.WithBus(a.bus),
		automation.WithLockDir(a.cfg.Automation.LockDir),
	}
	return options, nil
}

func executorOptions(cfg config.Config, a *app) ([]strategy.Option, error) {
	patterns := cfg.Prompts.Patterns
	if len(patterns) == 0 {
		patterns = prompt.DefaultPatterns
	}
	compiled, err := prompt.Compile(append(append([]string(nil), patterns...), cfg.Prompts.Extra...))
	if err != nil {
		return nil, fmt.Errorf("prompts: %w", err)
	}

	extra := make(map[strategy.DefectClass][]string, len(cfg.Defects))
	for name, signatures := range cfg.Defects {
		class, err := strategy.ParseDefectClass(name)
		if err != nil {
			return nil, fmt.Errorf("defects: %w", err)
		}
		extra[class] = append(extra[class], signatures...)
	}

	automationCfg := cfg.Automation
	return []strategy.Option{
		strategy.WithSink(a.stdout),
		strategy.WithStdin(a.stdin),
		strategy.WithClassifier(strategy.NewClassifier(extra)),
		strategy.WithTiming(driver.Timing{
			AnswerTimeout:    automationCfg.AnswerTimeout,
			SilenceThreshold: automationCfg.SilenceThreshold,
			SettleDelay:      automationCfg.SettleDelay,
			InputLinger:      automationCfg.InputLinger,
		}),
		strategy.WithLineEnding(automationCfg.LineEnding),
		strategy.WithPromptPatterns(compiled),
		strategy.WithWindowSize(automationCfg.WindowSize),
		strategy.WithCaptureBytes(automationCfg.CaptureBytes),
		strategy.WithTerminationGrace(automationCfg.TerminationGrace),
		strategy.WithPTY(automationCfg.InteractivePTY),
	}, nil
}

func (a *app) offerTrigger(ctx context.Context, bot bots.Bot, replies []string, yes bool) error {
	if !yes {
		ok, err := a.confirm(fmt.Sprintf("Trigger a remote run of %s with the same answers?", bot.Name))
		if err != nil {
			return fmt.Errorf("confirm remote trigger: %w", err)
		}
		if !ok {
			return nil
		}
	}
	client, err := remote.NewClient(a.cfg.Remote, a.remoteOptions...)
	if err != nil {
		return err
	}
	if err := client.Trigger(ctx, bot, replies); err != nil {
		return err
	}
	fmt.Fprintf(a.stderr, "triggered remote run of %s\n", bot.Name)
	return nil
}

type botOutcome struct {
	name    string
	code    int
	skipped bool
	err     error
}

// runAll runs every enabled bot in order. The first interrupt skips the
// current bot; a second one while the same bot is still stopping ends the
// loop.
func (a *app) runAll(ctx context.Context, flags runFlags) error {
	enabled := bots.NewRegistry(a.cfg).Enabled()
	if len(enabled) == 0 {
		return errors.New("no enabled bots configured")
	}

	interrupts := a.interrupts
	if interrupts == nil {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, os.Interrupt)
		defer signal.Stop(ch)
		interrupts = ch
	}

	outcomes := make([]botOutcome, 0, len(enabled))
	aborted := false
	for _, bot := range enabled {
		if aborted || ctx.Err() != nil {
			break
		}
		outcome, abort := a.runOneOfAll(ctx, bot, flags, interrupts)
		outcomes = append(outcomes, outcome)
		aborted = abort
	}

	failed := printSummary(a, outcomes, len(enabled))
	if aborted {
		return &exitCodeError{code: exitCancelled}
	}
	if failed > 0 {
		return &exitCodeError{code: 1}
	}
	return nil
}

func (a *app) runOneOfAll(ctx context.Context, bot bots.Bot, flags runFlags, interrupts <-chan os.Signal) (botOutcome, bool) {
	outcome := botOutcome{name: bot.Name}
	t, err := a.resolveTarget(bot.Name, runFlags{interactive: flags.interactive, trigger: flags.trigger, yes: flags.yes, skipSetup: flags.skipSetup}, nil)
	if err != nil {
		outcome.err = err
		return outcome, false
	}

	botCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		skipped bool
		abort   bool
	)
	done := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		for {
			select {
			case <-done:
				return
			case <-interrupts:
				mu.Lock()
				if skipped {
					abort = true
					mu.Unlock()
					a.diag.Warn("second interrupt; stopping the run", "bot", bot.Name)
					return
				}
				skipped = true
				mu.Unlock()
				a.diag.Warn("interrupt; skipping bot (again to stop everything)", "bot", bot.Name)
				cancel()
			}
		}
	}()

	started := time.Now()
	code, err := a.runTarget(botCtx, t, flags)
	close(done)
	<-watcherDone

	mu.Lock()
	defer mu.Unlock()
	outcome.code = code
	outcome.err = err
	outcome.skipped = skipped
	a.logger.Info("bot done", "bot", bot.Name, "exit_code", code, "duration", time.Since(started).String())
	return outcome, abort
}

func printSummary(a *app, outcomes []botOutcome, total int) int {
	failed := 0
	fmt.Fprintln(a.stderr, "\nsummary:")
	for _, outcome := range outcomes {
		status := "ok"
		switch {
		case outcome.skipped:
			status = "skipped"
		case outcome.err != nil:
			status = "error: " + outcome.err.Error()
			failed++
		case outcome.code != 0:
			status = fmt.Sprintf("exit %d", outcome.code)
			failed++
		}
		fmt.Fprintf(a.stderr, "  %-20s %s\n", outcome.name, status)
	}
	if missing := total - len(outcomes); missing > 0 {
		fmt.Fprintf(a.stderr, "  %d bot(s) not run\n", missing)
	}
	return failed
}
