// Package tmux keeps long-running bots in detached tmux sessions so they
// survive the terminal that launched them.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/botpilot/botpilot/internal/events"
	"github.com/botpilot/botpilot/internal/tracing"
)

// SessionPrefix starts every session name botpilot owns.
const SessionPrefix = "botpilot-"

const (
	// EventTypeSessionOutputChunk is published by StreamOutput for each new
	// piece of pane output.
	EventTypeSessionOutputChunk = "SessionOutputChunk"

	// DefaultOutputPollInterval is how often StreamOutput captures the pane.
	DefaultOutputPollInterval = 2 * time.Second
	// DefaultTerminationGracePeriod is how long a bot gets between SIGTERM
	// and SIGKILL.
	DefaultTerminationGracePeriod = 5 * time.Second

	defaultChunkLimit   = 1 << 20
	defaultHistoryLines = 2000
	defaultExitPoll     = 100 * time.Millisecond
	defaultKillWait     = 2 * time.Second

	listFormat = "#{session_name}\t#{session_windows}\t#{session_attached}"
)

var (
	// ErrNoServer means no tmux server is running, so there are no sessions.
	ErrNoServer = errors.New("no tmux server running")
	// ErrNoSession means the named session does not exist.
	ErrNoSession = errors.New("tmux session not found")

	ownedName = regexp.MustCompile(`^botpilot-[a-z0-9][a-z0-9-]*$`)
	nonSlug   = regexp.MustCompile(`[^a-z0-9]+`)
)

// CommandRunner runs the tmux binary.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Process signals and probes the pid running in a pane.
type Process interface {
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) (bool, error)
}

// Session describes one line of `tmux list-sessions`.
type Session struct {
	Name     string
	Windows  int
	Attached bool
}

// Owned reports whether botpilot created the session.
func (s Session) Owned() bool {
	return ownedName.MatchString(s.Name)
}

// OutputChunk is the payload of EventTypeSessionOutputChunk.
type OutputChunk struct {
	Session    string
	Text       string
	Truncated  bool
	CapturedAt time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner replaces the exec-based tmux runner.
func WithRunner(runner CommandRunner) Option {
	return func(m *Manager) { m.runner = runner }
}

// WithProcess replaces the OS signal and liveness checks.
func WithProcess(process Process) Option {
	return func(m *Manager) { m.process = process }
}

// WithBus sets the default bus for StreamOutput.
func WithBus(bus events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithChunkLimit caps the bytes carried by one OutputChunk.
func WithChunkLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.chunkLimit = n
		}
	}
}

// WithExitPolling sets how often a signalled pid is probed and how long to
// wait for it after SIGKILL.
func WithExitPolling(poll, killWait time.Duration) Option {
	return func(m *Manager) {
		if poll > 0 {
			m.exitPoll = poll
		}
		if killWait > 0 {
			m.killWait = killWait
		}
	}
}

// Manager drives tmux for bot sessions.
type Manager struct {
	runner     CommandRunner
	process    Process
	bus        events.Bus
	chunkLimit int
	exitPoll   time.Duration
	killWait   time.Duration
}

// New returns a Manager that shells out to tmux unless options say otherwise.
func New(opts ...Option) *Manager {
	m := &Manager{
		runner:     execRunner{},
		process:    osProcess{},
		chunkLimit: defaultChunkLimit,
		exitPoll:   defaultExitPoll,
		killWait:   defaultKillWait,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Available reports whether tmux is on PATH.
func Available() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// SessionName maps a bot name to its session: "Sonic Wallet" becomes
// "botpilot-sonic-wallet".
func SessionName(bot string) string {
	slug := nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(bot)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "bot"
	}
	return SessionPrefix + slug
}

// CreateSession starts command detached in a new session rooted at workdir.
func (m *Manager) CreateSession(ctx context.Context, name, command, workdir string) error {
	if err := checkName(name); err != nil {
		return err
	}
	command = strings.TrimSpace(command)
	workdir = strings.TrimSpace(workdir)
	switch {
	case command == "":
		return fmt.Errorf("session %s: empty command", name)
	case workdir == "":
		return fmt.Errorf("session %s: empty working directory", name)
	}
	_, err := m.tmux(ctx, "new-session", "-d", "-s", name, "-c", workdir, command)
	return err
}

// ListSessions returns the sessions of the running server, or none when no
// server is up. ownedOnly drops sessions botpilot did not create.
func (m *Manager) ListSessions(ctx context.Context, ownedOnly bool) ([]Session, error) {
	out, err := m.tmux(ctx, "list-sessions", "-F", listFormat)
	if errors.Is(err, ErrNoServer) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sessions []Session
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		session, ok := parseSession(line)
		if !ok || (ownedOnly && !session.Owned()) {
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func parseSession(line string) (Session, bool) {
	fields := strings.Split(strings.TrimSpace(line), "\t")
	if fields[0] == "" {
		return Session{}, false
	}
	session := Session{Name: fields[0]}
	if len(fields) > 1 {
		session.Windows, _ = strconv.Atoi(fields[1])
	}
	if len(fields) > 2 {
		n, _ := strconv.Atoi(fields[2])
		session.Attached = n > 0
	}
	return session, true
}

// SendKeys types text literally into the session and presses Enter, the
// manual way to answer a detached bot.
func (m *Manager) SendKeys(ctx context.Context, name, text string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if text != "" {
		if _, err := m.tmux(ctx, "send-keys", "-t", name, "-l", text); err != nil {
			return err
		}
	}
	_, err := m.tmux(ctx, "send-keys", "-t", name, "Enter")
	return err
}

// CapturePanes returns the visible pane plus scrollback, wrapped lines joined.
func (m *Manager) CapturePanes(ctx context.Context, name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	out, err := m.tmux(ctx, "capture-pane", "-p", "-J", "-t", name, "-S", "-"+strconv.Itoa(defaultHistoryLines))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// PanePID returns the pid of the bot process in the session's first pane.
func (m *Manager) PanePID(ctx context.Context, name string) (int, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	out, err := m.tmux(ctx, "list-panes", "-t", name, "-F", "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("session %s: unexpected pane pid %q", name, first)
	}
	return pid, nil
}

// KillSession removes the session. A session or server that is already gone
// counts as success.
func (m *Manager) KillSession(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	_, err := m.tmux(ctx, "kill-session", "-t", name)
	if errors.Is(err, ErrNoSession) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// StreamOutput captures the pane every interval and publishes whatever was
// appended since the previous capture. It returns nil when ctx ends or the
// session goes away.
func (m *Manager) StreamOutput(ctx context.Context, name string, interval time.Duration, bus events.Bus) error {
	if err := checkName(name); err != nil {
		return err
	}
	if bus == nil {
		bus = m.bus
	}
	if bus == nil {
		return errors.New("stream output: no event bus")
	}
	if interval <= 0 {
		interval = DefaultOutputPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seen string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		screen, err := m.CapturePanes(ctx, name)
		switch {
		case errors.Is(err, ErrNoSession) || errors.Is(err, ErrNoServer):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		added := appended(seen, screen)
		seen = screen
		if added == "" {
			continue
		}
		text, truncated := added, false
		if len(text) > m.chunkLimit {
			text, truncated = text[:m.chunkLimit], true
		}
		bus.Publish(events.Event{
			Type:       EventTypeSessionOutputChunk,
			EntityType: "tmux",
			EntityID:   name,
			Severity:   events.SeverityInfo,
			Payload: OutputChunk{
				Session:    name,
				Text:       text,
				Truncated:  truncated,
				CapturedAt: time.Now().UTC(),
			},
		})
	}
}

// appended returns what screen adds to previous. A screen that no longer
// starts with previous, such as after a clear, is returned whole.
func appended(previous, screen string) string {
	previous = strings.TrimSpace(previous)
	screen = strings.TrimSpace(screen)
	switch {
	case screen == previous:
		return ""
	case previous != "" && strings.HasPrefix(screen, previous):
		return strings.TrimSpace(screen[len(previous):])
	default:
		return screen
	}
}

// EnforceTimeout stops the bot in a session: SIGTERM, up to grace for it to
// exit, SIGKILL if it is still there, then the session is removed. pid <= 0
// skips straight to removing the session.
func (m *Manager) EnforceTimeout(ctx context.Context, name string, pid int, grace time.Duration) error {
	if err := checkName(name); err != nil {
		return err
	}
	if grace <= 0 {
		grace = DefaultTerminationGracePeriod
	}

	if pid > 0 {
		for _, stage := range []struct {
			sig  syscall.Signal
			wait time.Duration
		}{
			{syscall.SIGTERM, grace},
			{syscall.SIGKILL, m.killWait},
		} {
			if err := m.process.Signal(pid, stage.sig); err != nil && !errors.Is(err, syscall.ESRCH) {
				return fmt.Errorf("signal pid %d with %v: %w", pid, stage.sig, err)
			}
			gone, err := m.awaitExit(ctx, pid, stage.wait)
			if err != nil {
				return fmt.Errorf("wait for pid %d after %v: %w", pid, stage.sig, err)
			}
			if gone {
				break
			}
		}
	}

	if err := m.KillSession(ctx, name); err != nil {
		return err
	}
	if pid <= 0 {
		return nil
	}
	alive, err := m.process.Alive(pid)
	if err != nil {
		return fmt.Errorf("check pid %d: %w", pid, err)
	}
	if alive {
		return fmt.Errorf("pid %d survived SIGKILL", pid)
	}
	return nil
}

// awaitExit probes pid until it is gone or window elapses.
func (m *Manager) awaitExit(ctx context.Context, pid int, window time.Duration) (bool, error) {
	deadline := time.Now().Add(window)
	for {
		alive, err := m.process.Alive(pid)
		if err != nil {
			return false, err
		}
		if !alive {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.exitPoll):
		}
	}
}

// tmux runs one tmux subcommand and maps the server's "no server" and "no
// session" complaints onto ErrNoServer and ErrNoSession.
func (m *Manager) tmux(ctx context.Context, args ...string) ([]byte, error) {
	out, err := m.runner.Run(ctx, "tmux", args...)
	if err == nil {
		return out, nil
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "no server running"), strings.Contains(text, "failed to connect to server"):
		return nil, fmt.Errorf("tmux %s: %w: %w", args[0], ErrNoServer, err)
	case strings.Contains(text, "can't find session"), strings.Contains(text, "no such session"):
		return nil, fmt.Errorf("tmux %s: %w: %w", args[0], ErrNoSession, err)
	}
	return nil, fmt.Errorf("tmux %s: %w", args[0], err)
}

func checkName(name string) error {
	if !ownedName.MatchString(name) {
		return fmt.Errorf("session name %q is not a %s<bot> name", name, SessionPrefix)
	}
	return nil
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err == nil {
		return out, nil
	}
	if detail := strings.TrimSpace(string(out)); detail != "" {
		return nil, fmt.Errorf("%s: %w (%s)", tracing.FormatCommand(name, args), err, detail)
	}
	return nil, fmt.Errorf("%s: %w", tracing.FormatCommand(name, args), err)
}
