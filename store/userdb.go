package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/beembot/beem/internal/beemerr"
)

// Per-service user tables. Each chat service stores its users in a table
// named "<service>_users" keyed by the service login name.
const (
	ServiceWebTiles = "webtiles"
	ServiceTwitch   = "twitch"
)

// UserSchema returns the schema for the enabled services.
func UserSchema(webtiles, twitch bool) Schema {
	s := Schema{}
	if webtiles {
		s[ServiceWebTiles+"_users"] = []Field{
			{Name: "username", Type: Text, Primary: true},
			{Name: "nick", Type: Text, Default: ""},
			{Name: "subscription", Type: Integer, Default: int64(0)},
			{Name: "twitch_username", Type: Text, Default: ""},
			{Name: "twitch_reminder", Type: Integer, Default: int64(0)},
			{Name: "player_only", Type: Integer, Default: int64(0)},
		}
	}
	if twitch {
		s[ServiceTwitch+"_users"] = []Field{
			{Name: "username", Type: Text, Primary: true},
			{Name: "nick", Type: Text, Default: ""},
		}
	}
	return s
}

// UserDB wraps a Store with the per-service user operations the chat
// services use.
type UserDB struct {
	*Store
}

// User looks up a user by service login name.
func (u UserDB) User(service, username string) (Row, bool) {
	return u.GetRow(service+"_users", username)
}

// Register creates a user entry with default fields. Registering an existing
// user fails with ErrDuplicate.
func (u UserDB) Register(ctx context.Context, service, username string) (Row, error) {
	return u.AddRow(ctx, service+"_users", Row{"username": username})
}

// SetField updates one field of a registered user.
func (u UserDB) SetField(ctx context.Context, service, username, field string, value any) error {
	return u.SetRowField(ctx, service+"_users", []any{username}, field, value)
}

// EnsureUser returns the user entry, registering it first when missing.
func (u UserDB) EnsureUser(ctx context.Context, service, username string) (Row, error) {
	if row, ok := u.User(service, username); ok {
		return row, nil
	}
	row, err := u.Register(ctx, service, username)
	if errors.Is(err, beemerr.ErrDuplicate) {
		if row, ok := u.User(service, username); ok {
			return row, nil
		}
	}
	return row, err
}
