package spawn

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
)

// Kind classifies why a child process could not be started.
type Kind string

const (
	// KindNotFound means the executable or working directory does not exist.
	KindNotFound Kind = "not_found"
	// KindPermissionDenied means the OS refused to execute the target.
	KindPermissionDenied Kind = "permission_denied"
	// KindOther covers every other start failure.
	KindOther Kind = "other"
)

var (
	// ErrNotFound matches SpawnError values of KindNotFound via errors.Is.
	ErrNotFound = errors.New("executable not found")
	// ErrPermissionDenied matches SpawnError values of KindPermissionDenied via errors.Is.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrPTYUnsupported is returned when IOPTY is requested on a platform without pseudo-terminals.
	ErrPTYUnsupported = errors.New("pseudo-terminal not supported on this platform")
)

// SpawnError is returned when a child process cannot be started at all.
type SpawnError struct {
	Kind Kind
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	reason := "start failed"
	switch e.Kind {
	case KindNotFound:
		reason = "not found"
	case KindPermissionDenied:
		reason = "permission denied"
	}
	if e.Err == nil {
		return fmt.Sprintf("spawn %s: %s", e.Path, reason)
	}
	return fmt.Sprintf("spawn %s: %s: %v", e.Path, reason, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Is matches the ErrNotFound and ErrPermissionDenied sentinels.
func (e *SpawnError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrPermissionDenied:
		return e.Kind == KindPermissionDenied
	}
	_, ok := target.(*SpawnError)
	return ok
}

func classifyStartError(path string, err error) *SpawnError {
	var spawnErr *SpawnError
	if errors.As(err, &spawnErr) {
		return spawnErr
	}
	return &SpawnError{Kind: kindOf(err), Path: strings.TrimSpace(path), Err: err}
}

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	default:
		return KindOther
	}
}
