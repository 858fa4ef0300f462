package strategy

import (
	"bytes"
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/botpilot/botpilot/internal/driver"
	"github.com/botpilot/botpilot/internal/spawn"
	"github.com/botpilot/botpilot/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunChildIfRequested()
	os.Exit(m.Run())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func fastTiming() driver.Timing {
	return driver.Timing{
		AnswerTimeout:    3 * time.Second,
		SilenceThreshold: 300 * time.Millisecond,
		SettleDelay:      10 * time.Millisecond,
	}
}

func newTestExecutor(t *testing.T, sink *syncBuffer, options ...Option) *Executor {
	t.Helper()
	base := []Option{
		WithSink(sink),
		WithTiming(fastTiming()),
		WithTempDir(t.TempDir()),
		WithTerminationGrace(500 * time.Millisecond),
	}
	return NewExecutor(spawn.New(), append(base, options...)...)
}

func helperAttempt(t *testing.T, mode string, answers []string) Attempt {
	t.Helper()
	exe, env := testutil.Child(t, mode, len(answers))
	return Attempt{Executable: exe, Env: env, Answers: answers}
}

func TestDirectPipeDeliversAnswersInOrder(t *testing.T) {
	testutil.SkipIfShort(t)
	sink := &syncBuffer{}
	e := newTestExecutor(t, sink)
	answers := []string{"y", "2", "wallet-main"}

	outcome, err := e.Run(context.Background(), DirectPipe, helperAttempt(t, testutil.ModeEcho, answers))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.ExitCode != 0 || outcome.Defect != DefectNone {
		t.Fatalf("outcome = %+v\noutput:\n%s", outcome, sink.String())
	}
	if outcome.Sent != len(answers) {
		t.Fatalf("Sent = %d, want %d", outcome.Sent, len(answers))
	}
	if diff := cmp.Diff(answers, testutil.Received(sink.String())); diff != "" {
		t.Fatalf("child input mismatch (-want +got):\n%s", diff)
	}
	if outcome.CombinedOutput != sink.String() {
		t.Fatalf("captured output differs from forwarded output")
	}
}

func TestDirectPipeReportsStartAndSends(t *testing.T) {
	testutil.SkipIfShort(t)
	sink := &syncBuffer{}
	var (
		mu      sync.Mutex
		started []int
		sent    []int
	)
	e := newTestExecutor(t, sink,
		WithOnStart(func(pid int) {
			mu.Lock()
			defer mu.Unlock()
			started = append(started, pid)
		}),
		WithOnSend(func(index int) {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, index)
		}),
	)

	outcome, err := e.Run(context.Background(), DirectPipe, helperAttempt(t, testutil.ModeEcho, []string{"a", "b"}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 1 || started[0] != outcome.PID {
		t.Fatalf("start callbacks = %v, want [%d]", started, outcome.PID)
	}
	if diff := cmp.Diff([]int{0, 1}, sent); diff != "" {
		t.Fatalf("send callbacks mismatch (-want +got):\n%s", diff)
	}
}

func TestDirectPipeChildExitsEarly(t *testing.T) {
	testutil.SkipIfShort(t)
	sink := &syncBuffer{}
	e := newTestExecutor(t, sink)

	outcome, err := e.Run(context.Background(), DirectPipe, helperAttempt(t, testutil.ModeExitAfterOne, []string{"a", "b", "c"}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.ExitCode != testutil.ChildExitAfterOneCode {
		t.Fatalf("ExitCode = %d, want %d", outcome.ExitCode, testutil.ChildExitAfterOneCode)
	}
	if outcome.Sent != 1 {
		t.Fatalf("Sent = %d, want 1", outcome.Sent)
	}
	if outcome.StopReason != driver.StopChildExited && outcome.StopReason != driver.StopBrokenPipe {
		t.Fatalf("StopReason = %s", outcome.StopReason)
	}
	if outcome.Defect != DefectUnknown {
		t.Fatalf("Defect = %s, want %s", outcome.Defect, DefectUnknown)
	}
}

func TestDirectPipeClassifiesInvalidHandle(t *testing.T) {
	testutil.SkipIfShort(t)
	sink := &syncBuffer{}
	e := newTestExecutor(t, sink)

	outcome, err := e.Run(context.Background(), DirectPipe, helperAttempt(t, testutil.ModeRejectPipe, []string{"a"}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Defect != DefectStdinHandleInvalid || !outcome.Defect.Retryable() {
		t.Fatalf("Defect = %s, output %q", outcome.Defect, outcome.CombinedOutput)
	}
}

func TestTempFileRedirectsAnswers(t *testing.T) {
	testutil.SkipIfShort(t)
	sink := &syncBuffer{}
	tempDir := t.TempDir()
	e := newTestExecutor(t, sink, WithTempDir(tempDir))
	answers := []string{"n", "5"}

	outcome, err := e.Run(context.Background(), TempFile, helperAttempt(t, testutil.ModeRejectPipe, answers))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.ExitCode != 0 {
		t.Fatalf("ExitCode = %d\noutput:\n%s", outcome.ExitCode, sink.String())
	}
	if diff := cmp.Diff(answers, testutil.Received(sink.String())); diff != "" {
		t.Fatalf("child input mismatch (-want +got):\n%s", diff)
	}
	assertDirEmpty(t, tempDir)
}

func TestWrapperScriptRedirectsAnswers(t *testing.T) {
	testutil.SkipIfShort(t)
	if runtime.GOOS == "windows" {
		t.Skip("wrapper test drives /bin/sh")
	}
	sink := &syncBuffer{}
	tempDir := t.TempDir()
	e := newTestExecutor(t, sink, WithTempDir(tempDir))
	answers := []string{"it's quoted", "second"}
	attempt := helperAttempt(t, testutil.ModeRejectPipe, answers)
	attempt.Dir = t.TempDir()

	outcome, err := e.Run(context.Background(), WrapperScript, attempt)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.ExitCode != 0 {
		t.Fatalf("ExitCode = %d\noutput:\n%s", outcome.ExitCode, sink.String())
	}
	if diff := cmp.Diff(answers, testutil.Received(sink.String())); diff != "" {
		t.Fatalf("child input mismatch (-want +got):\n%s", diff)
	}
	assertDirEmpty(t, tempDir)
}

func TestSpawnFailureIsReturnedAsError(t *testing.T) {
	e := newTestExecutor(t, &syncBuffer{})
	attempt := Attempt{Executable: "/definitely/not/here/bot", Answers: []string{"a"}}

	_, err := e.Run(context.Background(), DirectPipe, attempt)
	if !errors.Is(err, spawn.ErrNotFound) {
		t.Fatalf("Run() error = %v, want spawn.ErrNotFound", err)
	}
}

func TestCancellationTerminatesChild(t *testing.T) {
	testutil.SkipIfShort(t)
	sink := &syncBuffer{}
	e := newTestExecutor(t, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && !strings.Contains(sink.String(), "started") {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	started := time.Now()
	outcome, err := e.Run(ctx, DirectPipe, helperAttempt(t, testutil.ModeSleep, []string{"a"}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !outcome.Cancelled {
		t.Fatalf("outcome not marked cancelled: %+v", outcome)
	}
	if outcome.Defect != DefectNone {
		t.Fatalf("cancelled attempts are not classified, got %s", outcome.Defect)
	}
	if time.Since(started) > 10*time.Second {
		t.Fatalf("cancellation took %s", time.Since(started))
	}
	if testutil.ProcessAlive(outcome.PID) {
		t.Fatalf("child %d still alive after cancellation", outcome.PID)
	}
}

func TestPassthroughInheritsStdin(t *testing.T) {
	testutil.SkipIfShort(t)
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("open %s: %v", os.DevNull, err)
	}
	defer devNull.Close()

	sink := &syncBuffer{}
	e := newTestExecutor(t, sink, WithStdin(devNull))
	outcome, err := e.Run(context.Background(), Passthrough, helperAttempt(t, testutil.ModeIgnoreStdin, nil))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.ExitCode != 0 || !strings.Contains(sink.String(), "nothing to ask") {
		t.Fatalf("outcome = %+v output %q", outcome, sink.String())
	}
}

func TestShellScript(t *testing.T) {
	script := shellScript(Attempt{Executable: "/opt/bots/run", Args: []string{"--name", "o'neil"}, Dir: "/srv/bot dir"}, "/tmp/answers.txt")
	want := "#!/bin/sh\n" +
		"cd '/srv/bot dir' || exit 1\n" +
		"exec '/opt/bots/run' '--name' 'o'\\''neil' < '/tmp/answers.txt'\n"
	if script != want {
		t.Fatalf("shellScript() =\n%s\nwant\n%s", script, want)
	}
}

func TestBatchScript(t *testing.T) {
	script := batchScript(Attempt{Executable: `C:\bots\run.exe`, Args: []string{"100%"}, Dir: `C:\bots`}, `C:\Temp\answers.txt`)
	for _, want := range []string{
		"@echo off\r\n",
		"cd /d \"C:\\bots\"\r\n",
		"\"C:\\bots\\run.exe\" \"100%%\" < \"C:\\Temp\\answers.txt\"\r\n",
		"exit /b %ERRORLEVEL%\r\n",
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("batchScript() missing %q in\n%s", want, script)
		}
	}
}

func TestWriteAnswersFileUsesLineEnding(t *testing.T) {
	e := NewExecutor(spawn.New(), WithTempDir(t.TempDir()), WithLineEnding("\r\n"))
	path, cleanup, err := e.writeAnswersFile([]string{"a", "b"})
	if err != nil {
		t.Fatalf("writeAnswersFile() error = %v", err)
	}
	testutil.AssertFileContent(t, path, "a\r\nb\r\n")
	cleanup()
	testutil.AssertFileNotExists(t, path)
}

func TestByName(t *testing.T) {
	got, err := ByName([]string{"temp-file", " Direct-Pipe "})
	if err != nil {
		t.Fatalf("ByName() error = %v", err)
	}
	names := []string{got[0].Name, got[1].Name}
	if diff := cmp.Diff([]string{"temp-file", "direct-pipe"}, names); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if _, err := ByName([]string{"carrier-pigeon"}); err == nil {
		t.Fatal("expected unknown strategy error")
	}
	if _, err := ByName([]string{"temp-file", "temp-file"}); err == nil {
		t.Fatal("expected duplicate strategy error")
	}
	defaults, _ := ByName(nil)
	if len(defaults) != 3 || defaults[0].Name != DirectPipe.Name || defaults[2].Name != WrapperScript.Name {
		t.Fatalf("ByName(nil) = %v", defaults)
	}
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Fatalf("temporary files left behind in %s: %v", dir, entries)
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"plain":        `'plain'`,
		"it's":         `'it'\''s'`,
		"/opt/my bots": `'/opt/my bots'`,
		"":             `''`,
	}
	for input, want := range tests {
		if got := ShellQuote(input); got != want {
			t.Errorf("ShellQuote(%q) = %q, want %q", input, got, want)
		}
	}
}
