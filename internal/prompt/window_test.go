package prompt

import (
	"strings"
	"testing"
)

func TestWindowEvictsOldestRunes(t *testing.T) {
	w := NewWindow(16)
	w.Append("0123456789")
	w.Append("abcdefghij")
	if got, want := w.String(), "456789abcdefghij"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if w.Len() != 16 {
		t.Fatalf("Len() = %d, want 16", w.Len())
	}
}

func TestWindowNeverExceedsCapacity(t *testing.T) {
	w := NewWindow(0)
	for i := 0; i < 100; i++ {
		w.Append(strings.Repeat("x", 37))
		if w.Len() > w.Cap() {
			t.Fatalf("Len() = %d exceeds Cap() = %d", w.Len(), w.Cap())
		}
	}
	if w.Cap() != DefaultWindowSize {
		t.Fatalf("Cap() = %d, want %d", w.Cap(), DefaultWindowSize)
	}
}

func TestWindowCountsRunesNotBytes(t *testing.T) {
	w := NewWindow(16)
	w.Append(strings.Repeat("é", 20))
	if got := w.String(); got != strings.Repeat("é", 16) {
		t.Fatalf("String() = %q", got)
	}
}

func TestWindowCapacityClamped(t *testing.T) {
	if got := NewWindow(3).Cap(); got != MinWindowSize {
		t.Fatalf("small cap = %d", got)
	}
	if got := NewWindow(1 << 20).Cap(); got != MaxWindowSize {
		t.Fatalf("large cap = %d", got)
	}
}

func TestWindowReset(t *testing.T) {
	w := NewWindow(16)
	w.Append("hello")
	w.Reset()
	if w.String() != "" || w.Len() != 0 {
		t.Fatalf("window not empty after Reset: %q", w.String())
	}
	w.Append("again")
	if w.String() != "again" {
		t.Fatalf("String() = %q after reuse", w.String())
	}
}
