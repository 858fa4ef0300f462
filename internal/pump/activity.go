package pump

import (
	"sync"
	"time"
)

// Activity is the readiness state shared between the pump (writer) and the
// input driver (reader).
type Activity struct {
	mu         sync.Mutex
	now        func() time.Time
	lastOutput time.Time
	prompts    uint64
	notify     chan struct{}
}

// NewActivity starts the silence clock at now(). A nil now uses time.Now.
func NewActivity(now func() time.Time) *Activity {
	if now == nil {
		now = time.Now
	}
	return &Activity{
		now:        now,
		lastOutput: now(),
		notify:     make(chan struct{}, 1),
	}
}

// LastOutput is when the most recent output chunk arrived.
func (a *Activity) LastOutput() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastOutput
}

// Prompts counts prompts detected so far.
func (a *Activity) Prompts() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prompts
}

// Notify receives a value after output or a prompt is recorded. Signals
// coalesce; readers re-check LastOutput and Prompts after waking.
func (a *Activity) Notify() <-chan struct{} {
	return a.notify
}

func (a *Activity) recordOutput(prompt bool) {
	a.mu.Lock()
	a.lastOutput = a.now()
	if prompt {
		a.prompts++
	}
	a.mu.Unlock()
	select {
	case a.notify <- struct{}{}:
	default:
	}
}
