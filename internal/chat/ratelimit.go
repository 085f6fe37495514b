package chat

import (
	"sync"
	"time"
)

// Window is a rolling command-rate window: at most limit commands per
// period. Only allowed attempts are recorded, so a flood of rejected
// commands cannot extend its own lockout; commands that later fail
// validation still count, since Allow runs before parsing.
type Window struct {
	mu     sync.Mutex
	period time.Duration
	limit  int
	stamps []time.Time
}

func NewWindow(period time.Duration, limit int) *Window {
	return &Window{period: period, limit: limit}
}

// Allow records a command at now and reports whether it was within the
// limit.
func (w *Window) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.period)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	ok := len(w.stamps) < w.limit
	if ok {
		w.stamps = append(w.stamps, now)
	}
	return ok
}
