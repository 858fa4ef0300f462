// Package prompt decides whether recent child output looks like a request
// for input.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// DefaultPatterns are the cues treated as "waiting for input". Every pattern is
// anchored to the end of the window and tolerates trailing spaces or tabs, never
// a newline, so completed log lines do not match. Menu verbs only count when
// they open the final line and are followed by words, so "[INFO] select a
// proxy" or a half-written "entering" stay quiet.
var DefaultPatterns = []string{
	`[:?>][ \t]*$`,
	`[\[(][ \t]*y(?:es)?[ \t]*/[ \t]*no?[ \t]*[\])][ \t]*[:?]?[ \t]*$`,
	`press[ \t]+(?:enter|return|any key)\b[^\n]*$`,
	`(?:^|\n)[ \t]*(?:choose|select|enter|pilih|masukkan|ketik)[ \t]+[^\n]{1,80}$`,
}

// Compile compiles patterns case-insensitively.
func Compile(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		trimmed := strings.TrimSpace(pattern)
		if trimmed == "" {
			continue
		}
		expr, err := regexp.Compile("(?i)" + trimmed)
		if err != nil {
			return nil, fmt.Errorf("compile prompt pattern %q: %w", trimmed, err)
		}
		compiled = append(compiled, expr)
	}
	if len(compiled) == 0 {
		return nil, fmt.Errorf("at least one prompt pattern is required")
	}
	return compiled, nil
}

// Detector feeds output into a Window and matches it against prompt patterns.
// It holds no timers; its result depends only on the window content.
type Detector struct {
	window    *Window
	patterns  []*regexp.Regexp
	lastMatch string
}

// NewDetector builds a detector over patterns with a window of windowSize runes.
func NewDetector(patterns []*regexp.Regexp, windowSize int) *Detector {
	return &Detector{
		window:   NewWindow(windowSize),
		patterns: patterns,
	}
}

// NewDefault returns a detector using DefaultPatterns.
func NewDefault() *Detector {
	patterns, err := Compile(DefaultPatterns)
	if err != nil {
		panic(err)
	}
	return NewDetector(patterns, DefaultWindowSize)
}

// Feed appends chunk and reports whether the window now ends in a prompt.
// A match clears the window so one prompt is reported once while a later,
// distinct prompt matches again.
func (d *Detector) Feed(chunk string) bool {
	if chunk == "" {
		return false
	}
	d.window.Append(chunk)
	text := ansi.Strip(d.window.String())
	for _, pattern := range d.patterns {
		if loc := pattern.FindStringIndex(text); loc != nil {
			d.lastMatch = strings.TrimSpace(text[loc[0]:loc[1]])
			d.window.Reset()
			return true
		}
	}
	return false
}

// LastMatch returns the text matched by the most recent successful Feed.
func (d *Detector) LastMatch() string {
	return d.lastMatch
}

// Window exposes the detector's window for inspection.
func (d *Detector) Window() *Window {
	return d.window
}
