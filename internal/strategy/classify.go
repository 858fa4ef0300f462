package strategy

import (
	"fmt"
	"strings"
)

// DefectClass names a recognised platform I/O failure.
type DefectClass string

const (
	DefectNone               DefectClass = "none"
	DefectStdinHandleInvalid DefectClass = "stdin_handle_invalid"
	DefectFileNotFound       DefectClass = "file_not_found"
	DefectAccessDenied       DefectClass = "access_denied"
	DefectPrematureEOF       DefectClass = "premature_eof"
	DefectBrokenPipe         DefectClass = "broken_pipe"
	DefectUnknown            DefectClass = "unknown"
)

// Retryable reports whether the defect is worth another strategy.
func (d DefectClass) Retryable() bool {
	switch d {
	case DefectStdinHandleInvalid, DefectPrematureEOF, DefectBrokenPipe:
		return true
	default:
		return false
	}
}

// ParseDefectClass maps a configuration key to a DefectClass.
func ParseDefectClass(name string) (DefectClass, error) {
	normalized := DefectClass(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_"))
	for _, class := range classificationOrder {
		if class == normalized {
			return class, nil
		}
	}
	return "", fmt.Errorf("unknown defect class %q", name)
}

// classificationOrder is the precedence used when several signatures appear.
var classificationOrder = []DefectClass{
	DefectStdinHandleInvalid,
	DefectBrokenPipe,
	DefectPrematureEOF,
	DefectFileNotFound,
	DefectAccessDenied,
}

// DefaultSignatures returns the stock lower-case substrings for each class.
func DefaultSignatures() map[DefectClass][]string {
	return map[DefectClass][]string{
		DefectStdinHandleInvalid: {"the handle is invalid", "invalid handle", "winerror 6", "bad file descriptor", "ebadf"},
		DefectBrokenPipe:         {"broken pipe", "epipe", "pipe is being closed", "pipe has been ended"},
		DefectPrematureEOF:       {"eoferror", "eof when reading a line", "unexpected end of input", "premature end", "readline was closed"},
		DefectFileNotFound:       {"filenotfounderror", "no such file or directory", "the system cannot find the file", "cannot find the path"},
		DefectAccessDenied:       {"access is denied", "permission denied", "permissionerror", "eacces"},
	}
}

// Classifier maps an attempt's result to a DefectClass by substring search.
// It is the only place signatures live, so deployments can swap them.
type Classifier struct {
	signatures map[DefectClass][]string
}

// NewClassifier starts from DefaultSignatures and appends extra per class.
func NewClassifier(extra map[DefectClass][]string) *Classifier {
	signatures := DefaultSignatures()
	for class, values := range extra {
		for _, value := range values {
			if trimmed := strings.ToLower(strings.TrimSpace(value)); trimmed != "" {
				signatures[class] = append(signatures[class], trimmed)
			}
		}
	}
	return &Classifier{signatures: signatures}
}

// Classify inspects a finished attempt. Exit code 0 is always DefectNone, so a
// completed run outranks incidental warning text.
func (c *Classifier) Classify(exitCode int, output string, writeErr error) DefectClass {
	if exitCode == 0 {
		return DefectNone
	}
	text := strings.ToLower(output)
	if writeErr != nil {
		text += "\n" + strings.ToLower(writeErr.Error())
	}
	signatures := c.signatures
	if signatures == nil {
		signatures = DefaultSignatures()
	}
	for _, class := range classificationOrder {
		for _, signature := range signatures[class] {
			if strings.Contains(text, signature) {
				return class
			}
		}
	}
	return DefectUnknown
}
