package twitch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBudgetWindow(t *testing.T) {
	now := time.Now()
	b := newBudget(20, 100, 30*time.Second)
	b.now = func() time.Time { return now }

	// One join plus 19 replies fill the normal limit.
	assert.True(t, b.take(false))
	for i := 0; i < 19; i++ {
		assert.True(t, b.take(false), "unit %d", i+2)
	}
	assert.False(t, b.take(false))

	// The window clears once message_timeout has passed.
	now = now.Add(31 * time.Second)
	assert.True(t, b.take(false))
}

func TestBudgetModeratorLimit(t *testing.T) {
	b := newBudget(20, 100, 30*time.Second)

	// Moderator-only traffic runs under the larger limit.
	for i := 0; i < 30; i++ {
		assert.True(t, b.take(true), "unit %d", i+1)
	}

	// A normal message is already over the normal limit, and refusing it
	// does not latch the window into normal mode.
	assert.False(t, b.take(false))
	assert.True(t, b.take(true))
}

func TestBudgetNormalLatch(t *testing.T) {
	b := newBudget(2, 100, 30*time.Second)

	// After one normal message the normal limit applies to moderator
	// traffic too.
	assert.True(t, b.take(false))
	assert.True(t, b.take(true))
	assert.False(t, b.take(true))
}
