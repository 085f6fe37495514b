package webtiles

import (
	"context"
	"regexp"
	"strings"

	"github.com/beembot/beem/internal/beemerr"
	"github.com/beembot/beem/internal/chat"
	"github.com/beembot/beem/store"
)

var (
	twitchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_]*$`)
	onOffPattern      = regexp.MustCompile(`^(?i:on|off)$`)
)

// commands returns the WebTiles-specific command set. The shared nick and
// bothelp commands come from the engine itself.
func (m *Manager) commands() []*chat.Command {
	return []*chat.Command{
		{
			Name:               "subscribe",
			DisallowSingleUser: true,
			Handler:            m.handleSubscribe,
		},
		{
			Name:               "unsubscribe",
			DisallowSingleUser: true,
			Handler:            m.handleUnsubscribe,
		},
		{
			Name:    "twitch-user",
			Args:    []chat.ArgSpec{{Description: "twitch-username", Pattern: twitchNamePattern}},
			Handler: m.handleTwitchUser,
		},
		{
			Name:    "twitch-reminder",
			Args:    []chat.ArgSpec{{Description: "on|off", Pattern: onOffPattern}},
			Handler: m.handleTwitchReminder,
		},
		{
			Name:    "player-only",
			Args:    []chat.ArgSpec{{Description: "on|off", Pattern: onOffPattern}},
			Handler: m.handlePlayerOnly,
		},
		{
			Name:         "status",
			RequireAdmin: true,
			Handler: func(ctx context.Context, inv chat.Invocation) (string, error) {
				return m.statusLine(), nil
			},
		},
	}
}

func (m *Manager) handleSubscribe(ctx context.Context, inv chat.Invocation) (string, error) {
	row, err := m.db.EnsureUser(ctx, store.ServiceWebTiles, inv.TargetUser)
	if err != nil {
		return "", err
	}
	if row.Int("subscription") == 1 {
		return inv.TargetUser + " is already subscribed.", nil
	}
	if err := m.db.SetField(ctx, store.ServiceWebTiles, inv.TargetUser, "subscription", 1); err != nil {
		return "", err
	}
	return "Subscribed. I will watch " + inv.TargetUser + "'s games.", nil
}

func (m *Manager) handleUnsubscribe(ctx context.Context, inv chat.Invocation) (string, error) {
	row, err := m.db.EnsureUser(ctx, store.ServiceWebTiles, inv.TargetUser)
	if err != nil {
		return "", err
	}
	if row.Int("subscription") == -1 {
		return inv.TargetUser + " is not subscribed.", nil
	}
	if err := m.db.SetField(ctx, store.ServiceWebTiles, inv.TargetUser, "subscription", -1); err != nil {
		return "", err
	}
	// The scheduler stops the session on its next tick; say goodbye from
	// the user's own game.
	if strings.EqualFold(inv.Source.WatchedUser(), inv.TargetUser) {
		return "Unsubscribed. Sorry to see you go!", nil
	}
	return "Unsubscribed " + inv.TargetUser + ".", nil
}

func (m *Manager) handleTwitchUser(ctx context.Context, inv chat.Invocation) (string, error) {
	if len(inv.Args) == 0 {
		row, ok := m.db.User(store.ServiceWebTiles, inv.TargetUser)
		if !ok || row.Str("twitch_username") == "" {
			return "No Twitch username set for " + inv.TargetUser + ".", nil
		}
		return "The Twitch username for " + inv.TargetUser + " is " + row.Str("twitch_username") + ".", nil
	}

	// Linking a channel makes the bot join it, so only admins may set it.
	if !inv.SenderIsAdmin {
		return "", beemerr.CommandErrorf("Only admins can set a Twitch username.")
	}
	if _, err := m.db.EnsureUser(ctx, store.ServiceWebTiles, inv.TargetUser); err != nil {
		return "", err
	}
	if err := m.db.SetField(ctx, store.ServiceWebTiles, inv.TargetUser, "twitch_username", inv.Args[0]); err != nil {
		return "", err
	}
	return "The Twitch username for " + inv.TargetUser + " is now " + inv.Args[0] + ".", nil
}

func (m *Manager) handleTwitchReminder(ctx context.Context, inv chat.Invocation) (string, error) {
	return m.handleToggle(ctx, inv, "twitch_reminder", "Twitch reminder")
}

func (m *Manager) handlePlayerOnly(ctx context.Context, inv chat.Invocation) (string, error) {
	return m.handleToggle(ctx, inv, "player_only", "Player-only mode")
}

func (m *Manager) handleToggle(ctx context.Context, inv chat.Invocation, field, desc string) (string, error) {
	if len(inv.Args) == 0 {
		state := "off"
		if row, ok := m.db.User(store.ServiceWebTiles, inv.TargetUser); ok && row.Int(field) == 1 {
			state = "on"
		}
		return desc + " for " + inv.TargetUser + " is " + state + ".", nil
	}

	if _, err := m.db.EnsureUser(ctx, store.ServiceWebTiles, inv.TargetUser); err != nil {
		return "", err
	}
	value := 0
	if strings.EqualFold(inv.Args[0], "on") {
		value = 1
	}
	if err := m.db.SetField(ctx, store.ServiceWebTiles, inv.TargetUser, field, value); err != nil {
		return "", err
	}
	return desc + " for " + inv.TargetUser + " is now " + strings.ToLower(inv.Args[0]) + ".", nil
}
