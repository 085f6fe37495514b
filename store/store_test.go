package store

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beembot/beem/internal/beemerr"
)

// fakeDriver records writes and serves canned rows, so the mirror logic can
// be tested without a database file.
type fakeDriver struct {
	rows      map[string][]Row
	inserts   []Row
	updates   int
	failWrite error
}

func (d *fakeDriver) CreateMissingTables(ctx context.Context, schema Schema) error { return nil }

func (d *fakeDriver) LoadTable(ctx context.Context, table string, fields []Field) ([]Row, error) {
	return d.rows[table], nil
}

func (d *fakeDriver) InsertRow(ctx context.Context, table string, fields []Field, row Row) error {
	if d.failWrite != nil {
		return d.failWrite
	}
	d.inserts = append(d.inserts, row)
	return nil
}

func (d *fakeDriver) UpdateField(ctx context.Context, table string, keys []Field, keyVals []any, field string, value any) error {
	if d.failWrite != nil {
		return d.failWrite
	}
	d.updates++
	return nil
}

func (d *fakeDriver) Close() error { return nil }

func newTestStore(t *testing.T, driver *fakeDriver) *Store {
	t.Helper()
	s := New(driver, UserSchema(true, true))
	require.NoError(t, s.Load(context.Background()))
	return s
}

func TestGetRowCaseInsensitive(t *testing.T) {
	driver := &fakeDriver{rows: map[string][]Row{
		"webtiles_users": {{"username": "MegaDestroyer3000", "nick": "", "subscription": int64(1),
			"twitch_username": "", "twitch_reminder": int64(0), "player_only": int64(0)}},
	}}
	s := newTestStore(t, driver)

	row, ok := s.GetRow("webtiles_users", "megadestroyer3000")
	require.True(t, ok)
	assert.Equal(t, "MegaDestroyer3000", row.Str("username"))
	assert.Equal(t, int64(1), row.Int("subscription"))

	_, ok = s.GetRow("webtiles_users", "someoneelse")
	assert.False(t, ok)
}

func TestAddRowDefaultsAndDuplicate(t *testing.T) {
	driver := &fakeDriver{}
	s := newTestStore(t, driver)
	ctx := context.Background()

	row, err := s.AddRow(ctx, "webtiles_users", Row{"username": "Gammafunk"})
	require.NoError(t, err)
	assert.Equal(t, "Gammafunk", row.Str("username"))
	assert.Equal(t, int64(0), row.Int("subscription"))
	assert.Equal(t, "", row.Str("twitch_username"))
	require.Len(t, driver.inserts, 1)

	// Same key in a different case is still a duplicate.
	_, err = s.AddRow(ctx, "webtiles_users", Row{"username": "gammafunk"})
	assert.ErrorIs(t, err, beemerr.ErrDuplicate)
	assert.Len(t, driver.inserts, 1)
}

func TestAddRowWriteFailureLeavesMirrorUnchanged(t *testing.T) {
	driver := &fakeDriver{failWrite: errors.New("disk full")}
	s := newTestStore(t, driver)

	_, err := s.AddRow(context.Background(), "twitch_users", Row{"username": "chatter"})
	require.Error(t, err)
	_, ok := s.GetRow("twitch_users", "chatter")
	assert.False(t, ok)
}

func TestSetRowField(t *testing.T) {
	driver := &fakeDriver{}
	s := newTestStore(t, driver)
	ctx := context.Background()

	_, err := s.AddRow(ctx, "webtiles_users", Row{"username": "Gammafunk"})
	require.NoError(t, err)

	require.NoError(t, s.SetRowField(ctx, "webtiles_users", []any{"GAMMAFUNK"}, "subscription", true))
	assert.Equal(t, 1, driver.updates)

	row, ok := s.GetRow("webtiles_users", "gammafunk")
	require.True(t, ok)
	assert.Equal(t, int64(1), row.Int("subscription"))

	err = s.SetRowField(ctx, "webtiles_users", []any{"nobody"}, "subscription", true)
	assert.ErrorIs(t, err, beemerr.ErrNotFound)
}

func TestGetRowReturnsCopy(t *testing.T) {
	driver := &fakeDriver{}
	s := newTestStore(t, driver)
	ctx := context.Background()

	_, err := s.AddRow(ctx, "twitch_users", Row{"username": "chatter", "nick": "original"})
	require.NoError(t, err)

	row, _ := s.GetRow("twitch_users", "chatter")
	row["nick"] = "mutated"

	again, _ := s.GetRow("twitch_users", "chatter")
	assert.Equal(t, "original", again.Str("nick"))
}

func TestUserDBEnsureUser(t *testing.T) {
	driver := &fakeDriver{}
	db := UserDB{Store: newTestStore(t, driver)}
	ctx := context.Background()

	row, err := db.EnsureUser(ctx, ServiceWebTiles, "Player")
	require.NoError(t, err)
	assert.Equal(t, "Player", row.Str("username"))

	// Second call finds the existing entry instead of inserting again.
	_, err = db.EnsureUser(ctx, ServiceWebTiles, "player")
	require.NoError(t, err)
	assert.Len(t, driver.inserts, 1)

	require.NoError(t, db.SetField(ctx, ServiceWebTiles, "player", "twitch_username", "playertv"))
	row, _ = db.User(ServiceWebTiles, "Player")
	assert.Equal(t, "playertv", row.Str("twitch_username"))
}
