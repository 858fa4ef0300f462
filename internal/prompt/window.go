package prompt

const (
	// DefaultWindowSize is the number of trailing runes examined for prompts.
	DefaultWindowSize = 256
	MinWindowSize     = 16
	MaxWindowSize     = 4096
)

// Window is a bounded ring of the most recent output runes. The oldest runes
// are evicted first and it never holds more than its capacity.
type Window struct {
	buf   []rune
	start int
	size  int
}

// NewWindow returns a window holding capacity runes, clamped to
// [MinWindowSize, MaxWindowSize]. Zero or negative selects the default.
func NewWindow(capacity int) *Window {
	switch {
	case capacity <= 0:
		capacity = DefaultWindowSize
	case capacity < MinWindowSize:
		capacity = MinWindowSize
	case capacity > MaxWindowSize:
		capacity = MaxWindowSize
	}
	return &Window{buf: make([]rune, capacity)}
}

// Append adds text to the window, evicting the oldest runes beyond capacity.
func (w *Window) Append(text string) {
	capacity := len(w.buf)
	for _, r := range text {
		if w.size < capacity {
			w.buf[(w.start+w.size)%capacity] = r
			w.size++
			continue
		}
		w.buf[w.start] = r
		w.start = (w.start + 1) % capacity
	}
}

// String returns the window content, oldest rune first.
func (w *Window) String() string {
	out := make([]rune, w.size)
	capacity := len(w.buf)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%capacity]
	}
	return string(out)
}

func (w *Window) Len() int { return w.size }

func (w *Window) Cap() int { return len(w.buf) }

// Reset empties the window.
func (w *Window) Reset() {
	w.start = 0
	w.size = 0
}
