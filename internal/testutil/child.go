package testutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

const (
	// ChildModeEnv selects the behaviour of a re-executed test binary.
	ChildModeEnv = "BOTPILOT_HELPER_PROCESS"
	// ChildAnswersEnv is how many lines the echo behaviours read.
	ChildAnswersEnv = "BOTPILOT_HELPER_ANSWERS"
)

// Child behaviours.
const (
	// ModeEcho prompts for and echoes BOTPILOT_HELPER_ANSWERS lines as "got:<line>".
	ModeEcho = "echo"
	// ModeProxy prints "Proxy? [y/n]: " and exits 0 only when the answer is "n".
	ModeProxy = "proxy"
	// ModeExitAfterOne reads a single line and exits 7.
	ModeExitAfterOne = "exit-after-one"
	// ModeRejectPipe fails with an invalid-handle error when stdin is a pipe
	// and behaves like ModeEcho otherwise.
	ModeRejectPipe = "reject-pipe"
	// ModeSleep prints "started" and sleeps for a minute.
	ModeSleep = "sleep"
	// ModeIgnoreStdin prints a line and exits 0 without reading.
	ModeIgnoreStdin = "ignore-stdin"
	// ModeFail exits 2 with an ordinary application error.
	ModeFail = "fail"
	// ModePrematureEOF always fails with an EOF-on-read error.
	ModePrematureEOF = "premature-eof"
)

// ChildExitAfterOneCode is the exit status of ModeExitAfterOne.
const ChildExitAfterOneCode = 7

// Child returns the executable and environment that run mode in a re-executed
// test binary. answers only matters for the echo behaviours.
func Child(t *testing.T, mode string, answers int) (string, []string) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return exe, []string{
		ChildModeEnv + "=" + mode,
		ChildAnswersEnv + "=" + strconv.Itoa(answers),
	}
}

// RunChildIfRequested runs the requested child behaviour and exits. It returns
// normally when the process is an ordinary test run.
func RunChildIfRequested() {
	mode := os.Getenv(ChildModeEnv)
	if mode == "" {
		return
	}
	os.Exit(runChild(mode, os.Stdin, os.Stdout))
}

func runChild(mode string, stdin *os.File, stdout io.Writer) int {
	in := bufio.NewReader(stdin)
	answers, _ := strconv.Atoi(os.Getenv(ChildAnswersEnv))

	switch mode {
	case ModeEcho:
		return echo(in, stdout, answers)
	case ModeProxy:
		fmt.Fprint(stdout, "Proxy? [y/n]: ")
		line, err := readLine(in)
		if err != nil {
			fmt.Fprintln(stdout, "EOFError: EOF when reading a line")
			return 1
		}
		if line == "n" {
			fmt.Fprintln(stdout, "proxy disabled")
			return 0
		}
		fmt.Fprintf(stdout, "unexpected answer %q\n", line)
		return 1
	case ModeExitAfterOne:
		fmt.Fprint(stdout, "First? ")
		line, _ := readLine(in)
		fmt.Fprintf(stdout, "got:%s\nbye\n", line)
		return ChildExitAfterOneCode
	case ModeRejectPipe:
		if info, err := stdin.Stat(); err == nil && info.Mode()&os.ModeNamedPipe != 0 {
			fmt.Fprintln(stdout, "OSError: [WinError 6] The handle is invalid")
			return 1
		}
		return echo(in, stdout, answers)
	case ModeSleep:
		fmt.Fprintln(stdout, "started")
		time.Sleep(time.Minute)
		return 0
	case ModeIgnoreStdin:
		fmt.Fprintln(stdout, "nothing to ask")
		return 0
	case ModeFail:
		fmt.Fprintln(stdout, "ValueError: invalid configuration value")
		return 2
	case ModePrematureEOF:
		fmt.Fprintln(stdout, "EOFError: EOF when reading a line")
		return 1
	}
	fmt.Fprintf(stdout, "unknown helper mode %q\n", mode)
	return 3
}

func echo(in *bufio.Reader, stdout io.Writer, answers int) int {
	for i := 1; i <= answers; i++ {
		fmt.Fprintf(stdout, "Answer %d? ", i)
		line, err := readLine(in)
		if err != nil {
			fmt.Fprintln(stdout, "EOFError: EOF when reading a line")
			return 1
		}
		fmt.Fprintf(stdout, "got:%s\n", line)
	}
	return 0
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Received extracts the "got:" lines a child echoed, in order.
func Received(output string) []string {
	var got []string
	for _, line := range strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n") {
		if idx := strings.Index(line, "got:"); idx >= 0 {
			got = append(got, line[idx+len("got:"):])
		}
	}
	return got
}

// ProcessAlive reports whether pid still names a live process. It is only
// meaningful on Unix.
func ProcessAlive(pid int) bool {
	if pid <= 0 || runtime.GOOS == "windows" {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
