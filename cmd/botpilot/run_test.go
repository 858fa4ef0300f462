package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botpilot/botpilot/internal/config"
	"github.com/botpilot/botpilot/internal/remote"
	"github.com/botpilot/botpilot/internal/testutil"
)

func useHelperChild(t *testing.T, mode string, answers int) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	t.Setenv(testutil.ChildModeEnv, mode)
	t.Setenv(testutil.ChildAnswersEnv, strconv.Itoa(answers))
	return exe
}

func writeAnswers(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "answers.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write answers: %v", err)
	}
	return path
}

func exitCodeOf(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var exitErr *exitCodeError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want an exit code", err)
	}
	return exitErr.code
}

func TestRunExecReplaysAnswerFile(t *testing.T) {
	testutil.SkipIfShort(t)
	exe := useHelperChild(t, testutil.ModeEcho, 2)
	h := newTestApp(t, config.Defaults())

	err := h.execute(t, "run", "--exec", exe, "--answers", writeAnswers(t, "first\nsecond\n"))
	if err != nil {
		t.Fatalf("run: %v\noutput:\n%s", err, h.stdout.String())
	}
	if diff := cmp.Diff([]string{"first", "second"}, testutil.Received(h.stdout.String())); diff != "" {
		t.Fatalf("child input mismatch (-want +got):\n%s", diff)
	}
}

func TestRunExitCodes(t *testing.T) {
	testutil.SkipIfShort(t)
	tests := []struct {
		name string
		mode string
		want int
	}{
		{name: "child status passes through", mode: testutil.ModeFail, want: 2},
		{name: "early exit", mode: testutil.ModeExitAfterOne, want: testutil.ChildExitAfterOneCode},
		{name: "every strategy defective", mode: testutil.ModePrematureEOF, want: exitExhausted},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exe := useHelperChild(t, tc.mode, 1)
			h := newTestApp(t, config.Defaults())

			err := h.execute(t, "run", "--exec", exe, "--answers", writeAnswers(t, "a\n"))
			if got := exitCodeOf(t, err); got != tc.want {
				t.Fatalf("exit code = %d, want %d\noutput:\n%s", got, tc.want, h.stdout.String())
			}
		})
	}
}

func TestRunMissingExplicitAnswerFileFails(t *testing.T) {
	h := newTestApp(t, config.Defaults())
	err := h.execute(t, "run", "--exec", "true", "--answers", filepath.Join(t.TempDir(), "missing.json"))
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("error = %v, want not-exist", err)
	}
}

func TestRunBotWithoutAnswerFileRunsInteractively(t *testing.T) {
	testutil.SkipIfShort(t)
	exe := useHelperChild(t, testutil.ModeIgnoreStdin, 0)
	cfg := config.Defaults()
	cfg.AnswersDir = t.TempDir()
	cfg.Bots = []config.BotConfig{{Name: "helper", Path: t.TempDir(), Type: "custom", Command: exe, Enabled: true}}
	h := newTestApp(t, cfg)

	if err := h.execute(t, "run", "helper"); err != nil {
		t.Fatalf("run: %v", err)
	}
	assert.Contains(t, h.stdout.String(), "nothing to ask")
	assert.Contains(t, h.diag.String(), "no answer file")
}

func TestRunRequiresBotOrExec(t *testing.T) {
	h := newTestApp(t, config.Defaults())
	err := h.execute(t, "run")
	if err == nil || !strings.Contains(err.Error(), "--exec") {
		t.Fatalf("error = %v", err)
	}
}

func TestRunUnknownBotSuggests(t *testing.T) {
	cfg := config.Defaults()
	cfg.Bots = []config.BotConfig{{Name: "wallet", Type: "custom", Command: "true", Enabled: true}}
	h := newTestApp(t, cfg)

	err := h.execute(t, "run", "walet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet")
}

func TestRunAllSkipsInterruptedBot(t *testing.T) {
	testutil.SkipIfShort(t)
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	cfg := config.Defaults()
	cfg.AnswersDir = t.TempDir()
	cfg.Bots = []config.BotConfig{
		{Name: "a-slow", Path: t.TempDir(), Type: "custom", Command: "sh", Args: []string{"-c", "exec sleep 30"}, Enabled: true},
		{Name: "b-quick", Path: t.TempDir(), Type: "custom", Command: "sh", Args: []string{"-c", "exit 0"}, Enabled: true},
	}
	h := newTestApp(t, cfg)
	interrupts := make(chan os.Signal, 1)
	h.app.interrupts = interrupts

	go func() {
		time.Sleep(500 * time.Millisecond)
		interrupts <- os.Interrupt
	}()

	started := time.Now()
	if err := h.execute(t, "run", "--all"); err != nil {
		t.Fatalf("run --all: %v\nstderr:\n%s", err, h.stderr.String())
	}
	if elapsed := time.Since(started); elapsed > 20*time.Second {
		t.Fatalf("interrupt did not stop the slow bot, took %s", elapsed)
	}
	summary := h.stderr.String()
	assert.Regexp(t, `a-slow\s+skipped`, summary)
	assert.Regexp(t, `b-quick\s+ok`, summary)
}

func TestRunAllReportsFailures(t *testing.T) {
	testutil.SkipIfShort(t)
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	cfg := config.Defaults()
	cfg.AnswersDir = t.TempDir()
	cfg.Bots = []config.BotConfig{
		{Name: "broken", Path: t.TempDir(), Type: "custom", Command: "sh", Args: []string{"-c", "exit 4"}, Enabled: true},
		{Name: "disabled", Path: t.TempDir(), Type: "custom", Command: "sh", Args: []string{"-c", "exit 9"}},
	}
	h := newTestApp(t, cfg)
	h.app.interrupts = make(chan os.Signal)

	err := h.execute(t, "run", "--all")
	if got := exitCodeOf(t, err); got != 1 {
		t.Fatalf("exit code = %d, want 1", got)
	}
	assert.Contains(t, h.stderr.String(), "exit 4")
	assert.NotContains(t, h.stderr.String(), "disabled")
}

func TestExecutorOptionsRejectUnknownDefectClass(t *testing.T) {
	cfg := config.Defaults()
	cfg.Defects = map[string][]string{"no_such_class": {"boom"}}
	h := newTestApp(t, cfg)

	if _, err := executorOptions(cfg, h.app); err == nil || !strings.Contains(err.Error(), "defects") {
		t.Fatalf("error = %v, want defects error", err)
	}
}

func TestExecutorOptionsRejectBadPromptPattern(t *testing.T) {
	cfg := config.Defaults()
	cfg.Prompts.Extra = []string{"("}
	h := newTestApp(t, cfg)

	if _, err := executorOptions(cfg, h.app); err == nil || !strings.Contains(err.Error(), "prompts") {
		t.Fatalf("error = %v, want prompts error", err)
	}
}

type dispatchRecorder struct {
	mu     sync.Mutex
	paths  []string
	inputs []map[string]string
}

func (r *dispatchRecorder) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Inputs map[string]string `json:"inputs"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.paths = append(r.paths, req.URL.Path)
		r.inputs = append(r.inputs, body.Inputs)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func triggerConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.AnswersDir = t.TempDir()
	cfg.Remote.Owner = "acme"
	cfg.Remote.Repo = "bots"
	cfg.Bots = []config.BotConfig{{Name: "aster", Path: "bots/aster", Type: "python", Enabled: true}}
	return cfg
}

func TestTriggerCommandDispatchesAnswers(t *testing.T) {
	recorder := &dispatchRecorder{}
	srv := recorder.server(t)
	h := newTestApp(t, triggerConfig(t))
	h.app.remoteOptions = []remote.Option{remote.WithBaseURL(srv.URL), remote.WithToken("test-token")}

	if err := h.execute(t, "trigger", "aster", "-y", "--answers", writeAnswers(t, "n\n")); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	require.Len(t, recorder.paths, 1)
	assert.Equal(t, "/repos/acme/bots/actions/workflows/run-single-bots.yml/dispatches", recorder.paths[0])
	assert.Equal(t, "aster", recorder.inputs[0]["bot_name"])
	assert.Equal(t, `{"answer_1":"n"}`, recorder.inputs[0]["answers"])
	assert.Contains(t, h.stderr.String(), "triggered remote run of aster")
}

func TestTriggerCommandDeclined(t *testing.T) {
	recorder := &dispatchRecorder{}
	srv := recorder.server(t)
	h := newTestApp(t, triggerConfig(t))
	h.app.remoteOptions = []remote.Option{remote.WithBaseURL(srv.URL), remote.WithToken("test-token")}
	asked := ""
	h.app.confirm = func(title string) (bool, error) {
		asked = title
		return false, nil
	}

	if err := h.execute(t, "trigger", "aster"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	assert.Contains(t, asked, "aster")
	assert.Empty(t, recorder.paths)
}

func TestRunClonesBotRepositoryBeforeSetup(t *testing.T) {
	testutil.SkipIfShort(t)
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	source := t.TempDir()
	testutil.WriteFile(t, source, "run.sh", "test -f ready\n")
	for _, args := range [][]string{
		{"init", "-q"},
		{"add", "run.sh"},
		{"-c", "user.name=botpilot", "-c", "user.email=bot@example.com", "commit", "-q", "-m", "initial"},
	} {
		git := exec.Command("git", args...)
		git.Dir = source
		out, err := git.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	checkout := filepath.Join(t.TempDir(), "bots", "relay")
	cfg := config.Defaults()
	cfg.AnswersDir = t.TempDir()
	cfg.Bots = []config.BotConfig{{
		Name:    "relay",
		Path:    checkout,
		RepoURL: source,
		Type:    "custom",
		Command: "sh",
		Args:    []string{"run.sh"},
		Setup:   [][]string{{"touch", "ready"}},
		Enabled: true,
	}}
	h := newTestApp(t, cfg)

	if err := h.execute(t, "run", "relay"); err != nil {
		t.Fatalf("run: %v\ndiag:\n%s", err, h.diag.String())
	}
	assert.FileExists(t, filepath.Join(checkout, "ready"))
	assert.Contains(t, h.diag.String(), "syncing bot repository")
}

func TestRunNoSetupSkipsSetupSteps(t *testing.T) {
	testutil.SkipIfShort(t)
	if runtime.GOOS == "windows" {
		t.Skip("uses true and false")
	}
	cfg := config.Defaults()
	cfg.AnswersDir = t.TempDir()
	cfg.Bots = []config.BotConfig{{
		Name:    "wallet",
		Path:    t.TempDir(),
		Type:    "custom",
		Command: "true",
		Setup:   [][]string{{"false"}},
		Enabled: true,
	}}

	h := newTestApp(t, cfg)
	err := h.execute(t, "run", "wallet")
	if err == nil || !strings.Contains(err.Error(), "setup wallet") {
		t.Fatalf("run error = %v, want setup failure", err)
	}

	h = newTestApp(t, cfg)
	require.NoError(t, h.execute(t, "run", "--no-setup", "wallet"))
}

func TestRunDetectsEntryPointAfterSetup(t *testing.T) {
	cfg := config.Defaults()
	cfg.Bots = []config.BotConfig{{Name: "aster", Path: t.TempDir(), Type: "python", Enabled: true}}
	h := newTestApp(t, cfg)

	err := h.execute(t, "run", "aster")
	if err == nil || !strings.Contains(err.Error(), "no run.py") {
		t.Fatalf("run error = %v, want missing entry point", err)
	}
}
