package twitch

import (
	"sync"
	"time"
)

// budget enforces the outbound message limits the Twitch IRC server
// imposes. Every outbound action (join, part, privmsg) consumes one unit.
// The moderator limit applies only while nothing has been sent to an
// unmoderated channel in the current window; after that the normal limit
// governs everything until the window clears.
type budget struct {
	normalLimit    int
	moderatorLimit int
	timeout        time.Duration

	mu          sync.Mutex
	count       int
	sentNormal  bool
	windowStart time.Time

	now func() time.Time
}

func newBudget(normalLimit, moderatorLimit int, timeout time.Duration) *budget {
	return &budget{
		normalLimit:    normalLimit,
		moderatorLimit: moderatorLimit,
		timeout:        timeout,
		now:            time.Now,
	}
}

// take consumes one unit for a message sent with the given moderator
// status. It reports false, consuming nothing, when the window's limit is
// reached.
func (b *budget) take(moderator bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !b.windowStart.IsZero() && now.Sub(b.windowStart) > b.timeout {
		b.count = 0
		b.sentNormal = false
		b.windowStart = time.Time{}
	}

	limit := b.normalLimit
	if moderator && !b.sentNormal {
		limit = b.moderatorLimit
	}
	if b.count >= limit {
		return false
	}

	b.count++
	if !moderator {
		b.sentNormal = true
	}
	if b.windowStart.IsZero() {
		b.windowStart = now
	}
	return true
}
