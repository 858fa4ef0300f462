package pump

import "sync"

// DefaultCaptureBytes bounds the output tail kept for defect classification.
const DefaultCaptureBytes = 64 * 1024

// Capture keeps the last limit bytes written to it.
type Capture struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func NewCapture(limit int) *Capture {
	if limit <= 0 {
		limit = DefaultCaptureBytes
	}
	return &Capture{limit: limit}
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, p...)
	if over := len(c.buf) - c.limit; over > 0 {
		c.buf = append(c.buf[:0], c.buf[over:]...)
		c.truncated = true
	}
	return len(p), nil
}

func (c *Capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

// Truncated reports whether older output was dropped.
func (c *Capture) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
