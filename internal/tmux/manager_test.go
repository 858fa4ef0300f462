package tmux

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botpilot/botpilot/internal/events"
)

const (
	listKey    = "tmux list-sessions -F " + listFormat
	captureKey = "tmux capture-pane -p -J -t botpilot-aster -S -2000"
	panesKey   = "tmux list-panes -t botpilot-aster -F #{pane_pid}"
)

func TestCreateSessionStartsDetached(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{}
	m := New(WithRunner(runner))

	require.NoError(t, m.CreateSession(context.Background(), "botpilot-aster", "'/opt/botpilot' run 'aster'", "/srv/bots"))
	assert.Equal(t, []string{"tmux new-session -d -s botpilot-aster -c /srv/bots '/opt/botpilot' run 'aster'"}, runner.history())
}

func TestCreateSessionValidatesInput(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{}
	m := New(WithRunner(runner))
	ctx := context.Background()

	assert.Error(t, m.CreateSession(ctx, "aster", "true", "/srv"), "foreign name")
	assert.Error(t, m.CreateSession(ctx, "botpilot-aster", "  ", "/srv"), "empty command")
	assert.Error(t, m.CreateSession(ctx, "botpilot-aster", "true", ""), "empty workdir")
	assert.Empty(t, runner.history())
}

func TestListSessionsParsesFormat(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{replies: map[string][]string{
		listKey: {"botpilot-aster\t1\t0\nscratch\t3\t1\nbotpilot-sonic\t2\t1\n"},
	}}
	m := New(WithRunner(runner))

	owned, err := m.ListSessions(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []Session{
		{Name: "botpilot-aster", Windows: 1},
		{Name: "botpilot-sonic", Windows: 2, Attached: true},
	}, owned)
}

func TestListSessionsKeepsForeignSessionsWhenAsked(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{replies: map[string][]string{listKey: {"botpilot-aster\nscratch\n"}}}
	m := New(WithRunner(runner))

	all, err := m.ListSessions(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Owned())
	assert.False(t, all[1].Owned())
}

func TestListSessionsWithoutServerIsEmpty(t *testing.T) {
	t.Parallel()
	for _, message := range []string{"no server running on /tmp/tmux-1000/default", "error connecting: failed to connect to server"} {
		runner := &scriptedRunner{failures: map[string]error{listKey: errors.New(message)}}
		sessions, err := New(WithRunner(runner)).ListSessions(context.Background(), true)
		require.NoError(t, err, message)
		assert.Empty(t, sessions, message)
	}
}

func TestListSessionsReportsOtherFailures(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{failures: map[string]error{listKey: errors.New("permission denied")}}
	_, err := New(WithRunner(runner)).ListSessions(context.Background(), true)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoServer))
}

func TestSendKeysTypesLiterallyThenEnter(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{}
	m := New(WithRunner(runner))

	require.NoError(t, m.SendKeys(context.Background(), "botpilot-aster", "Enter 2"))
	require.NoError(t, m.SendKeys(context.Background(), "botpilot-aster", ""))
	assert.Equal(t, []string{
		"tmux send-keys -t botpilot-aster -l Enter 2",
		"tmux send-keys -t botpilot-aster Enter",
		"tmux send-keys -t botpilot-aster Enter",
	}, runner.history())
}

func TestCapturePanesTrimsOutput(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{replies: map[string][]string{captureKey: {"\nProxy? [y/n]: y\n\n"}}}

	got, err := New(WithRunner(runner)).CapturePanes(context.Background(), "botpilot-aster")
	require.NoError(t, err)
	assert.Equal(t, "Proxy? [y/n]: y", got)
}

func TestCapturePanesMissingSession(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{failures: map[string]error{captureKey: errors.New("can't find session: botpilot-aster")}}

	_, err := New(WithRunner(runner)).CapturePanes(context.Background(), "botpilot-aster")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestPanePIDReadsFirstPane(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{replies: map[string][]string{panesKey: {"4321\n4400\n", "n/a\n", "0\n"}}}
	m := New(WithRunner(runner))

	pid, err := m.PanePID(context.Background(), "botpilot-aster")
	require.NoError(t, err)
	assert.Equal(t, 4321, pid)

	_, err = m.PanePID(context.Background(), "botpilot-aster")
	assert.Error(t, err, "non-numeric pid")
	_, err = m.PanePID(context.Background(), "botpilot-aster")
	assert.Error(t, err, "zero pid")
}

func TestKillSessionToleratesGoneSession(t *testing.T) {
	t.Parallel()
	for _, message := range []string{"can't find session: botpilot-aster", "no server running on /tmp/tmux-0/default"} {
		runner := &scriptedRunner{failures: map[string]error{"tmux kill-session -t botpilot-aster": errors.New(message)}}
		assert.NoError(t, New(WithRunner(runner)).KillSession(context.Background(), "botpilot-aster"), message)
	}
}

func TestSessionName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"Aster":          "botpilot-aster",
		" Pharos Bot ":   "botpilot-pharos-bot",
		"sonic_v2.0":     "botpilot-sonic-v2-0",
		"--Ünicode--bot": "botpilot-nicode-bot",
		"***":            "botpilot-bot",
	}
	for input, want := range tests {
		got := SessionName(input)
		assert.Equal(t, want, got, input)
		assert.NoError(t, checkName(got), "derived name %q", got)
	}
}

func TestAppended(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, previous, screen, want string
	}{
		{name: "first capture", previous: "", screen: "booting", want: "booting"},
		{name: "unchanged", previous: "booting", screen: "booting\n", want: ""},
		{name: "grown", previous: "booting", screen: "booting\nPick a chain:", want: "Pick a chain:"},
		{name: "cleared", previous: "booting", screen: "menu", want: "menu"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, appended(tc.previous, tc.screen), tc.name)
	}
}

func TestStreamOutputPublishesNewText(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{replies: map[string][]string{
		captureKey: {"hello", "hello-0123456789", "hello-0123456789"},
	}}
	bus := &chanBus{events: make(chan events.Event, 8)}
	m := New(WithRunner(runner), WithBus(bus), WithChunkLimit(8))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.StreamOutput(ctx, "botpilot-aster", 2*time.Millisecond, nil) }()

	first := bus.next(t)
	second := bus.next(t)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StreamOutput did not return after cancel")
	}

	assert.Equal(t, EventTypeSessionOutputChunk, first.Type)
	assert.Equal(t, "botpilot-aster", first.EntityID)
	assert.Equal(t, OutputChunk{Session: "botpilot-aster", Text: "hello"}, withoutTime(t, first))
	assert.Equal(t, OutputChunk{Session: "botpilot-aster", Text: "-0123456", Truncated: true}, withoutTime(t, second))
}

func TestStreamOutputEndsWithSession(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{failures: map[string]error{captureKey: errors.New("can't find session: botpilot-aster")}}
	m := New(WithRunner(runner))

	err := m.StreamOutput(context.Background(), "botpilot-aster", time.Millisecond, &chanBus{events: make(chan events.Event, 1)})
	assert.NoError(t, err)
}

func TestStreamOutputNeedsBus(t *testing.T) {
	t.Parallel()
	err := New(WithRunner(&scriptedRunner{})).StreamOutput(context.Background(), "botpilot-aster", time.Millisecond, nil)
	assert.Error(t, err)
}

func TestEnforceTimeoutEscalatesToKill(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{}
	proc := &stubbornProcess{dieOn: syscall.SIGKILL}
	m := New(WithRunner(runner), WithProcess(proc), WithExitPolling(time.Millisecond, 5*time.Millisecond))

	require.NoError(t, m.EnforceTimeout(context.Background(), "botpilot-aster", 1234, 3*time.Millisecond))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, proc.sent())
	assert.Contains(t, runner.history(), "tmux kill-session -t botpilot-aster")
}

func TestEnforceTimeoutStopsAtTerm(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{}
	proc := &stubbornProcess{dieOn: syscall.SIGTERM}
	m := New(WithRunner(runner), WithProcess(proc), WithExitPolling(time.Millisecond, 0))

	require.NoError(t, m.EnforceTimeout(context.Background(), "botpilot-aster", 99, time.Second))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, proc.sent())
	assert.Contains(t, runner.history(), "tmux kill-session -t botpilot-aster")
}

func TestEnforceTimeoutReportsSurvivor(t *testing.T) {
	t.Parallel()
	proc := &stubbornProcess{}
	m := New(WithRunner(&scriptedRunner{}), WithProcess(proc), WithExitPolling(time.Millisecond, 2*time.Millisecond))

	err := m.EnforceTimeout(context.Background(), "botpilot-aster", 77, 2*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "survived") {
		t.Fatalf("EnforceTimeout() error = %v", err)
	}
}

func TestEnforceTimeoutWithoutPIDOnlyKillsSession(t *testing.T) {
	t.Parallel()
	runner := &scriptedRunner{}
	proc := &stubbornProcess{}
	m := New(WithRunner(runner), WithProcess(proc))

	require.NoError(t, m.EnforceTimeout(context.Background(), "botpilot-aster", 0, 0))
	assert.Empty(t, proc.sent())
	assert.Equal(t, []string{"tmux kill-session -t botpilot-aster"}, runner.history())
}

// scriptedRunner answers tmux invocations from per-command reply queues.
type scriptedRunner struct {
	mu       sync.Mutex
	calls    []string
	replies  map[string][]string
	failures map[string]error
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, key)
	if err, ok := r.failures[key]; ok {
		return nil, err
	}
	queue := r.replies[key]
	if len(queue) == 0 {
		return nil, nil
	}
	r.replies[key] = queue[1:]
	return []byte(queue[0]), nil
}

func (r *scriptedRunner) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// stubbornProcess stays alive until it receives dieOn.
type stubbornProcess struct {
	mu      sync.Mutex
	dieOn   syscall.Signal
	signals []syscall.Signal
	dead    bool
}

func (p *stubbornProcess) Signal(_ int, sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	if p.dieOn != 0 && sig == p.dieOn {
		p.dead = true
	}
	return nil
}

func (p *stubbornProcess) Alive(int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead, nil
}

func (p *stubbornProcess) sent() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

type chanBus struct {
	events chan events.Event
}

func (b *chanBus) Subscribe(string, events.Handler) {}

func (b *chanBus) SubscribeAll(events.Handler) {}

func (b *chanBus) Publish(event events.Event) { b.events <- event }

func (b *chanBus) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case event := <-b.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an output event")
		return events.Event{}
	}
}

func withoutTime(t *testing.T, event events.Event) OutputChunk {
	t.Helper()
	chunk, ok := event.Payload.(OutputChunk)
	require.True(t, ok, "payload type %T", event.Payload)
	assert.False(t, chunk.CapturedAt.IsZero())
	chunk.CapturedAt = time.Time{}
	return chunk
}

var (
	_ CommandRunner = (*scriptedRunner)(nil)
	_ Process       = (*stubbornProcess)(nil)
	_ events.Bus    = (*chanBus)(nil)
)
