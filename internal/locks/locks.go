// Package locks keeps two sessions from driving the same bot directory at once.
package locks

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ErrBusy indicates another session holds the lock for a working directory.
var ErrBusy = errors.New("working directory is locked by another session")

// Holder describes the session that owns a run lock.
type Holder struct {
	SessionID  string    `json:"sessionId"`
	PID        int       `json:"pid"`
	Dir        string    `json:"dir"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// BusyError reports who holds a contended lock, when that is known.
type BusyError struct {
	Dir    string
	Holder *Holder
}

func (e *BusyError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("%s: %s", ErrBusy, e.Dir)
	}
	return fmt.Sprintf("%s: %s (session %s, pid %d, since %s)",
		ErrBusy, e.Dir, e.Holder.SessionID, e.Holder.PID, e.Holder.AcquiredAt.Format(time.RFC3339))
}

// Is matches ErrBusy.
func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}

// RunLock is an acquired per-directory lock. Release it when the session ends.
type RunLock struct {
	lock       *flock.Flock
	holderPath string
}

// PathFor returns the lock file used for workDir under lockDir.
func PathFor(lockDir, workDir string) (string, error) {
	lockDir = strings.TrimSpace(lockDir)
	if lockDir == "" {
		return "", errors.New("lock dir must not be empty")
	}
	abs, err := filepath.Abs(strings.TrimSpace(workDir))
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	name := fmt.Sprintf("%s-%s.lock", filepath.Base(abs), hex.EncodeToString(sum[:8]))
	return filepath.Join(lockDir, name), nil
}

// Acquire takes the lock for workDir without blocking. A lock held elsewhere
// yields a *BusyError.
func Acquire(lockDir, workDir, sessionID string) (*RunLock, error) {
	path, err := PathFor(lockDir, workDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fileLock := flock.New(path)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", path, err)
	}
	holderPath := path + ".json"
	if !locked {
		return nil, &BusyError{Dir: workDir, Holder: readHolder(holderPath)}
	}

	abs, _ := filepath.Abs(workDir)
	holder := Holder{
		SessionID:  strings.TrimSpace(sessionID),
		PID:        os.Getpid(),
		Dir:        abs,
		AcquiredAt: time.Now().UTC(),
	}
	if data, err := json.Marshal(holder); err == nil {
		_ = os.WriteFile(holderPath, data, 0o600)
	}
	return &RunLock{lock: fileLock, holderPath: holderPath}, nil
}

// Path returns the lock file path.
func (l *RunLock) Path() string {
	if l == nil || l.lock == nil {
		return ""
	}
	return l.lock.Path()
}

// Release drops the lock. It is safe to call more than once.
func (l *RunLock) Release() error {
	if l == nil || l.lock == nil || !l.lock.Locked() {
		return nil
	}
	_ = os.Remove(l.holderPath)
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("release run lock %s: %w", l.lock.Path(), err)
	}
	return nil
}

func readHolder(path string) *Holder {
	// #nosec G304 -- path is derived from the configured lock directory.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var holder Holder
	if err := json.Unmarshal(data, &holder); err != nil {
		return nil
	}
	return &holder
}
