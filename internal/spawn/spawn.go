// Package spawn resolves executables and starts child processes whose merged
// stdout/stderr stream and stdin are owned by exactly one automation attempt.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"
)

// IOMode selects how the child's standard input is connected.
type IOMode int

const (
	// IOPipe connects stdin to a pipe the caller writes answers into.
	IOPipe IOMode = iota
	// IOFile redirects stdin from a file (the null device when no file is given).
	IOFile
	// IOInherit hands the caller's own stdin to the child.
	IOInherit
	// IOPTY runs the child on a pseudo-terminal wired to the caller's terminal.
	IOPTY
)

func (m IOMode) String() string {
	switch m {
	case IOPipe:
		return "pipe"
	case IOFile:
		return "file"
	case IOInherit:
		return "inherit"
	case IOPTY:
		return "pty"
	default:
		return fmt.Sprintf("iomode(%d)", int(m))
	}
}

// windowsSuffixes are tried, in order, for bare names on Windows.
var windowsSuffixes = []string{".exe", ".cmd", ".bat"}

// Options configures one child process.
type Options struct {
	Dir  string
	Args []string
	// Env entries are appended to the parent environment.
	Env  []string
	Mode IOMode
	// StdinFile is read by the child in IOFile mode.
	StdinFile string
	// Stdin overrides os.Stdin for IOInherit and IOPTY.
	Stdin *os.File
}

// Spawner resolves and starts child processes.
type Spawner struct {
	logger     *log.Logger
	lookPath   func(file string) (string, error)
	stat       func(name string) (os.FileInfo, error)
	executable func() (string, error)
	goos       string
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithLogger routes resolution diagnostics to logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Spawner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Spawner backed by the host PATH.
func New(options ...Option) *Spawner {
	spawner := &Spawner{
		logger:     log.New(io.Discard),
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		executable: os.Executable,
		goos:       runtime.GOOS,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(spawner)
	}
	return spawner
}

// Resolve maps name to a runnable path. Names that cannot be resolved are
// returned unchanged so the spawn attempt surfaces the failure.
func (s *Spawner) Resolve(name string) string {
	if s == nil {
		return name
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return name
	}
	if filepath.IsAbs(trimmed) && s.isFile(trimmed) {
		return trimmed
	}
	if strings.ContainsAny(trimmed, `/\`) {
		// Relative paths are resolved by the OS against the child's working directory.
		return trimmed
	}

	candidates := s.candidates(trimmed)
	for _, candidate := range candidates {
		if resolved, err := s.lookPath(candidate); err == nil {
			s.logger.Debug("resolved executable", "name", trimmed, "path", resolved)
			return resolved
		}
	}

	if self, err := s.executable(); err == nil {
		dir := filepath.Dir(self)
		for _, candidate := range candidates {
			path := filepath.Join(dir, candidate)
			if s.isFile(path) {
				s.logger.Debug("resolved executable next to binary", "name", trimmed, "path", path)
				return path
			}
		}
	}

	s.logger.Warn("executable not found on PATH; spawning as given", "name", trimmed)
	return name
}

func (s *Spawner) candidates(name string) []string {
	if s.goos != "windows" || filepath.Ext(name) != "" {
		return []string{name}
	}
	out := make([]string, 0, len(windowsSuffixes)+1)
	for _, suffix := range windowsSuffixes {
		out = append(out, name+suffix)
	}
	return append(out, name)
}

func (s *Spawner) isFile(path string) bool {
	info, err := s.stat(path)
	return err == nil && !info.IsDir()
}

// Spawn starts path with the given options. The returned Child is already
// being waited on; callers must eventually call Close.
func (s *Spawner) Spawn(ctx context.Context, path string, opts Options) (*Child, error) {
	if s == nil {
		return nil, errors.New("spawner is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return nil, &SpawnError{Kind: KindNotFound, Path: path, Err: errors.New("executable is required")}
	}
	if opts.Dir != "" {
		info, err := s.stat(opts.Dir)
		if err != nil {
			return nil, &SpawnError{Kind: kindOf(err), Path: path, Err: fmt.Errorf("working directory: %w", err)}
		}
		if !info.IsDir() {
			return nil, &SpawnError{Kind: KindNotFound, Path: path, Err: fmt.Errorf("working directory %q is not a directory", opts.Dir)}
		}
	}

	cmd := exec.Command(path, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	if opts.Mode == IOPTY {
		return s.spawnPTY(cmd, opts)
	}
	return s.spawnPiped(cmd, opts)
}

func (s *Spawner) spawnPiped(cmd *exec.Cmd, opts Options) (*Child, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	// childEnds are the parent's copies of descriptors handed to the child.
	childEnds := []io.Closer{outW}
	var input *os.File
	group := false

	switch opts.Mode {
	case IOPipe:
		inR, inW, pipeErr := os.Pipe()
		if pipeErr != nil {
			closeAll(outR, outW)
			return nil, fmt.Errorf("create input pipe: %w", pipeErr)
		}
		cmd.Stdin = inR
		childEnds = append(childEnds, inR)
		input = inW
		group = true
	case IOFile:
		name := opts.StdinFile
		if strings.TrimSpace(name) == "" {
			name = os.DevNull
		}
		file, openErr := os.Open(name) // #nosec G304 -- stdin file is created by the caller.
		if openErr != nil {
			closeAll(outR, outW)
			return nil, fmt.Errorf("open stdin file %q: %w", name, openErr)
		}
		cmd.Stdin = file
		childEnds = append(childEnds, file)
		group = true
	case IOInherit:
		stdin := opts.Stdin
		if stdin == nil {
			stdin = os.Stdin
		}
		// A foreground process group is kept so the child may read the terminal.
		cmd.Stdin = stdin
	default:
		closeAll(outR, outW)
		return nil, fmt.Errorf("unsupported io mode %s", opts.Mode)
	}

	if group {
		configureProcessGroup(cmd)
	}

	if err := cmd.Start(); err != nil {
		closeAll(childEnds...)
		closeAll(outR)
		if input != nil {
			_ = input.Close()
		}
		return nil, classifyStartError(cmd.Path, err)
	}
	closeAll(childEnds...)

	child := newChild(cmd, outR, group)
	if input != nil {
		child.input = input
	}
	s.logger.Debug("spawned child", "path", cmd.Path, "pid", child.PID(), "io_mode", opts.Mode.String())
	return child, nil
}

func closeAll(closers ...io.Closer) {
	for _, closer := range closers {
		if closer != nil {
			_ = closer.Close()
		}
	}
}
