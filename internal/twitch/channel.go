package twitch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/beembot/beem/internal/chat"
	"github.com/beembot/beem/internal/config"
	"github.com/beembot/beem/store"
)

// Channel is one joined Twitch chat. It implements chat.Source for the
// command engine and the query router.
type Channel struct {
	m        *Manager
	username string
	// ircName is the channel as IRC knows it: "#" + lowercased username.
	ircName string
	// bot marks the bot's own channel, where join requests are made.
	bot bool

	mu           sync.Mutex
	moderator    bool
	lastActivity time.Time

	window *chat.Window
}

func newChannel(m *Manager, username string, bot bool) *Channel {
	return &Channel{
		m:            m,
		username:     username,
		ircName:      "#" + strings.ToLower(username),
		bot:          bot,
		lastActivity: m.now(),
		window: chat.NewWindow(
			config.Seconds(m.cfg.CommandPeriod), m.cfg.CommandLimit),
	}
}

// touch stamps chat activity; idleness drives channel eviction.
func (c *Channel) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Channel) idle(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// Moderator reports whether the bot holds +o in this channel, which grants
// the larger message budget.
func (c *Channel) Moderator() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moderator
}

func (c *Channel) setModerator(on bool) {
	c.mu.Lock()
	c.moderator = on
	c.mu.Unlock()
}

func (c *Channel) Ident() chat.SourceIdent {
	return chat.SourceIdent{Service: store.ServiceTwitch, Name: c.username}
}

func (c *Channel) Describe() string {
	return c.username + "'s Twitch chat"
}

// SendChat transmits one line, neutralizing anything the Twitch server or
// other bots would interpret. Budget exhaustion drops the message silently.
func (c *Channel) SendChat(ctx context.Context, message string, kind chat.MessageKind) error {
	return c.m.sendChannel(ctx, c, formatOutbound(message, kind), kind)
}

// formatOutbound applies the Twitch escapes: a leading "." or "/" would be
// eaten as a server command, so it gets a throwaway leading space; anything
// that reads as a bot command gets the ] escape. Actions pass through.
func formatOutbound(message string, kind chat.MessageKind) string {
	switch {
	case kind == chat.KindAction:
		return message
	case strings.HasPrefix(message, ".") || strings.HasPrefix(message, "/"):
		return " " + message
	case strings.HasPrefix(message, chat.CommandPrefix):
		return "]" + message
	}
	return message
}

func (c *Channel) WatchedUser() string {
	return c.username
}

func (c *Channel) DCSSNick(user string) string {
	if row, ok := c.m.db.User(store.ServiceTwitch, user); ok && row.Str("nick") != "" {
		return row.Str("nick")
	}
	return user
}

// ChatDCSSNicks is empty for Twitch: IRC membership data is too unreliable
// to build a chat roster from.
func (c *Channel) ChatDCSSNicks(requester string) []string {
	return nil
}

func (c *Channel) IsBotChannel() bool { return c.bot }

func (c *Channel) AllowSender(sender string) bool { return true }

func (c *Channel) AllowQuery(sender string) bool { return true }

func (c *Channel) CommandWindow() *chat.Window { return c.window }
