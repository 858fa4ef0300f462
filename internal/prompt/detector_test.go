package prompt

import (
	"strings"
	"testing"
)

func TestDetectorMatchesYesNoPrompt(t *testing.T) {
	d := NewDefault()
	if !d.Feed("Starting bot v1.2\nContinue? [y/n]: ") {
		t.Fatal("expected match for trailing [y/n] prompt")
	}
}

func TestDetectorIgnoresOrdinaryLogText(t *testing.T) {
	d := NewDefault()
	lines := []string{
		"Downloading dependencies\n",
		"Loaded 42 accounts\n",
		"Processing wallet 3 of 10\n",
		"Waiting for block confirmation\n",
		"[INFO] worker will select a random proxy from the pool",
		"\n[INFO] 3 accounts loaded, now enter",
		"ing the swap loop\n",
		"Selected route via bridge",
	}
	for _, line := range lines {
		if d.Feed(line) {
			t.Fatalf("unexpected match after %q (window %q)", line, d.Window().String())
		}
	}
}

func TestDetectorMenuVerbNeedsLineStart(t *testing.T) {
	if !NewDefault().Feed("Loaded 3 accounts\n  Select network 1-4") {
		t.Fatal("indented selection on the last line not detected")
	}
	if NewDefault().Feed("Enter") {
		t.Fatal("a bare verb must wait for the rest of the prompt")
	}
}

func TestDetectorDoesNotMatchAcrossNewline(t *testing.T) {
	d := NewDefault()
	if d.Feed("Status: ok\n") {
		t.Fatal("a completed line ending in a colon must not match")
	}
	if d.Feed("Select mode\n") {
		t.Fatal("a completed selection line must not match")
	}
}

func TestDetectorPatterns(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{name: "colon", input: "Enter your wallet address: "},
		{name: "question", input: "Use proxy?"},
		{name: "angle", input: "menu> "},
		{name: "parenthesised yes no", input: "Proceed (yes/no)"},
		{name: "press enter", input: "Press Enter to continue..."},
		{name: "choose", input: "1) Swap\n2) Bridge\nChoose an option"},
		{name: "indonesian pilih", input: "Pilih menu 1-3"},
		{name: "indonesian masukkan", input: "Masukkan jumlah transaksi"},
		{name: "upper case", input: "CONTINUE [Y/N]"},
		{name: "ansi colored", input: "\x1b[32mUse proxy\x1b[0m? \x1b[1m[y/n]\x1b[0m "},
		{name: "trailing tab", input: "Amount:\t"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !NewDefault().Feed(tc.input) {
				t.Fatalf("Feed(%q) = false, want true", tc.input)
			}
		})
	}
}

func TestDetectorReportsPromptOnceThenRetriggers(t *testing.T) {
	d := NewDefault()
	if !d.Feed("Proxy? [y/n]: ") {
		t.Fatal("first prompt not detected")
	}
	if d.Window().Len() != 0 {
		t.Fatalf("window not reset after match: %q", d.Window().String())
	}
	if d.Feed("working\n") {
		t.Fatal("output after a matched prompt must not re-report it")
	}
	if !d.Feed("Threads: ") {
		t.Fatal("second distinct prompt not detected")
	}
}

func TestDetectorMatchesPromptSplitAcrossChunks(t *testing.T) {
	d := NewDefault()
	if d.Feed("Continue [y") {
		t.Fatal("partial prompt matched early")
	}
	if !d.Feed("/n]: ") {
		t.Fatal("prompt split across chunks not detected")
	}
}

func TestDetectorLastMatch(t *testing.T) {
	d := NewDefault()
	d.Feed("Use proxy? ")
	if got := d.LastMatch(); got != "?" {
		t.Fatalf("LastMatch() = %q", got)
	}
}

func TestCompileCustomPatterns(t *testing.T) {
	patterns, err := Compile([]string{`ready$`, "  "})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("len(patterns) = %d, want 1", len(patterns))
	}
	d := NewDetector(patterns, 64)
	if !d.Feed("System READY") {
		t.Fatal("custom pattern should match case-insensitively")
	}
	if d.Feed("Continue? ") {
		t.Fatal("default patterns must not apply when replaced")
	}
}

func TestCompileRejectsInvalidAndEmpty(t *testing.T) {
	if _, err := Compile([]string{"("}); err == nil || !strings.Contains(err.Error(), "compile prompt pattern") {
		t.Fatalf("Compile(invalid) error = %v", err)
	}
	if _, err := Compile(nil); err == nil {
		t.Fatal("Compile(nil) should fail")
	}
}
