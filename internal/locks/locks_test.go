package locks

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireRejectsSecondHolderUntilReleased(t *testing.T) {
	lockDir := t.TempDir()
	workDir := t.TempDir()

	first, err := Acquire(lockDir, workDir, "run-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err = Acquire(lockDir, workDir, "run-2")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second acquire error = %v, want ErrBusy", err)
	}
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("error = %T, want *BusyError", err)
	}
	if busy.Holder == nil || busy.Holder.SessionID != "run-1" || busy.Holder.PID != os.Getpid() {
		t.Fatalf("holder = %+v, want run-1 from this process", busy.Holder)
	}
	if !strings.Contains(err.Error(), "run-1") {
		t.Fatalf("error text = %q, want holder session", err.Error())
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, statErr := os.Stat(first.Path() + ".json"); !os.IsNotExist(statErr) {
		t.Fatalf("holder file still present: %v", statErr)
	}

	again, err := Acquire(lockDir, workDir, "run-3")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	defer again.Release()
}

func TestAcquireDifferentDirectoriesDoNotConflict(t *testing.T) {
	lockDir := t.TempDir()

	a, err := Acquire(lockDir, t.TempDir(), "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer a.Release()
	b, err := Acquire(lockDir, t.TempDir(), "b")
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	defer b.Release()

	if a.Path() == b.Path() {
		t.Fatalf("distinct directories share lock path %s", a.Path())
	}
}

func TestPathForIsStableAndCreatesLockDir(t *testing.T) {
	root := t.TempDir()
	workDir := filepath.Join(root, "bots", "aster")
	lockDir := filepath.Join(root, "locks", "nested")

	p1, err := PathFor(lockDir, workDir)
	if err != nil {
		t.Fatalf("path for: %v", err)
	}
	p2, err := PathFor(lockDir, workDir+string(filepath.Separator)+".")
	if err != nil {
		t.Fatalf("path for: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("paths differ for the same directory: %s vs %s", p1, p2)
	}
	if !strings.HasPrefix(filepath.Base(p1), "aster-") {
		t.Fatalf("lock name = %s, want aster- prefix", filepath.Base(p1))
	}

	lock, err := Acquire(lockDir, workDir, "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(lockDir); err != nil {
		t.Fatalf("lock dir not created: %v", err)
	}
}

func TestPathForRequiresLockDir(t *testing.T) {
	if _, err := PathFor(" ", t.TempDir()); err == nil {
		t.Fatal("expected error for empty lock dir")
	}
	var nilLock *RunLock
	if err := nilLock.Release(); err != nil {
		t.Fatalf("nil release: %v", err)
	}
	if nilLock.Path() != "" {
		t.Fatal("nil lock path must be empty")
	}
}
