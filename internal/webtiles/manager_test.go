package webtiles

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beembot/beem/internal/beemerr"
	"github.com/beembot/beem/internal/chat"
	"github.com/beembot/beem/internal/config"
	"github.com/beembot/beem/internal/metrics"
	"github.com/beembot/beem/store"
)

type fakeUsers struct {
	rows map[string]store.Row
}

func (u *fakeUsers) User(service, name string) (store.Row, bool) {
	row, ok := u.rows[service+"/"+strings.ToLower(name)]
	return row, ok
}

func (u *fakeUsers) EnsureUser(ctx context.Context, service, name string) (store.Row, error) {
	if row, ok := u.User(service, name); ok {
		return row, nil
	}
	row := store.Row{"username": name}
	if u.rows == nil {
		u.rows = make(map[string]store.Row)
	}
	u.rows[service+"/"+strings.ToLower(name)] = row
	return row, nil
}

func (u *fakeUsers) SetField(ctx context.Context, service, name, field string, value any) error {
	row, _ := u.EnsureUser(ctx, service, name)
	row[field] = value
	return nil
}

type fakeRouter struct {
	ready bool
}

func (r *fakeRouter) IsQuery(msg string) bool { return false }
func (r *fakeRouter) SendQuery(ctx context.Context, src chat.Source, requester, msg string) error {
	return nil
}
func (r *fakeRouter) Ready() bool { return r.ready }

type fakeForwarder struct {
	lines []string
}

func (f *fakeForwarder) ForwardDump(ctx context.Context, twitchUser, line string) error {
	f.lines = append(f.lines, twitchUser+" <- "+line)
	return nil
}

func testWTConfig() *config.WebTilesConfig {
	return &config.WebTilesConfig{
		ServerURL:              "ws://127.0.0.1:1/socket",
		ProtocolVersion:        2,
		Username:               "beem",
		Password:               "secret",
		HelpText:               "help",
		MaxWatchedSubscribers:  2,
		MaxGameIdle:            30,
		GameRewatchTimeout:     60,
		AutowatchEnabled:       true,
		MinAutowatchSpectators: 3,
		Admins:                 []string{"root"},
		CommandPeriod:          10,
		CommandLimit:           3,
	}
}

func newTestManager(t *testing.T, users *fakeUsers, router *fakeRouter) *Manager {
	t.Helper()
	m := NewManager(testWTConfig(), users, router, nil, metrics.New(), slog.Default())
	t.Cleanup(m.stopAll)
	return m
}

func addLobby(m *Manager, id int, username, gameID string, spectators int, idle float64) {
	m.lobby.entries[id] = &LobbyEntry{
		Username:       username,
		GameID:         gameID,
		SpectatorCount: spectators,
		IdleTime:       idle,
		TimeLastUpdate: time.Now(),
	}
}

func subscriber(name string) store.Row {
	return store.Row{"username": name, "subscription": int64(1)}
}

func TestVersionAllowed(t *testing.T) {
	assert.True(t, versionAllowed("dcss-0.10"))
	assert.False(t, versionAllowed("dcss-0.9"))
	assert.False(t, versionAllowed("dcss-0.09"))
	assert.True(t, versionAllowed("dcss-0.32"))
	assert.True(t, versionAllowed("dcss-1.0"))
	assert.True(t, versionAllowed("dcss-web-trunk"))
}

func TestProcessLobbyQueuesSubscribers(t *testing.T) {
	users := &fakeUsers{rows: map[string]store.Row{
		"webtiles/alice": subscriber("alice"),
		"webtiles/bob":   subscriber("bob"),
	}}
	m := newTestManager(t, users, &fakeRouter{ready: true})
	addLobby(m, 1, "alice", "dcss-0.32", 1, 0)
	addLobby(m, 2, "bob", "dcss-0.32", 2, 0)

	cand := m.processLobby()
	assert.Nil(t, cand)
	assert.True(t, m.queueHas("alice", "dcss-0.32"))
	assert.True(t, m.queueHas("bob", "dcss-0.32"))

	// A second pass does not duplicate entries.
	m.processLobby()
	assert.Len(t, m.watchQueue, 2)
}

func TestAutowatchElection(t *testing.T) {
	users := &fakeUsers{rows: map[string]store.Row{
		"webtiles/dave": subscriber("dave"),
	}}
	m := newTestManager(t, users, &fakeRouter{ready: true})
	addLobby(m, 1, "carol", "dcss-0.32", 5, 0)
	addLobby(m, 2, "dave", "dcss-0.32", 10, 0)

	// Subscribed users with a free reserved slot don't compete.
	cand := m.processLobby()
	require.NotNil(t, cand)
	assert.Equal(t, "carol", cand.Username)

	// Below the spectator threshold there is no candidate.
	m.lobby.entries[1].SpectatorCount = 2
	m.watchQueue = nil
	cand = m.processLobby()
	assert.Nil(t, cand)

	// With the router down there is no candidate either.
	m.lobby.entries[1].SpectatorCount = 5
	m.router = &fakeRouter{ready: false}
	m.watchQueue = nil
	cand = m.processLobby()
	assert.Nil(t, cand)
}

func TestIncumbentWinsSpectatorTie(t *testing.T) {
	m := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	m.autowatch = newGameSession(m, "carol", "dcss-0.32")
	addLobby(m, 1, "carol", "dcss-0.32", 5, 0)
	addLobby(m, 2, "eve", "dcss-0.32", 5, 0)

	cand := m.processLobby()
	require.NotNil(t, cand)
	assert.Equal(t, "carol", cand.Username)

	// A strict surplus evicts the incumbent.
	m.lobby.entries[2].SpectatorCount = 6
	cand = m.processLobby()
	require.NotNil(t, cand)
	assert.Equal(t, "eve", cand.Username)
}

func TestAutowatchKeptBelowThreshold(t *testing.T) {
	m := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	m.autowatch = newGameSession(m, "carol", "dcss-0.32")
	stopped := false
	m.autowatch.cancel = func() { stopped = true }
	addLobby(m, 1, "carol", "dcss-0.32", 2, 0)

	// Below threshold only matters for new candidates; the incumbent
	// stays while allowed, non-idle, and the router is up.
	cand := m.processLobby()
	require.Nil(t, cand)
	m.applyAutowatch(context.Background(), nil)
	assert.False(t, stopped)
}

func TestAutowatchStopped(t *testing.T) {
	cases := []struct {
		name  string
		setup func(m *Manager)
	}{
		{"disallowed", func(m *Manager) { m.cfg.NeverWatch = []string{"carol"} }},
		{"router down", func(m *Manager) { m.router = &fakeRouter{ready: false} }},
		{"idle", func(m *Manager) { m.lobby.entries[1].IdleTime = 3600 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
			m.autowatch = newGameSession(m, "carol", "dcss-0.32")
			stopped := false
			m.autowatch.cancel = func() { stopped = true }
			addLobby(m, 1, "carol", "dcss-0.32", 5, 0)

			tc.setup(m)
			m.applyAutowatch(context.Background(), nil)
			assert.True(t, stopped)
		})
	}
}

func TestProcessQueueRespectsCapacity(t *testing.T) {
	users := &fakeUsers{rows: map[string]store.Row{
		"webtiles/alice": subscriber("alice"),
		"webtiles/bob":   subscriber("bob"),
		"webtiles/carol": subscriber("carol"),
	}}
	m := newTestManager(t, users, &fakeRouter{ready: true})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for i, name := range []string{"alice", "bob", "carol"} {
		addLobby(m, i+1, name, "dcss-0.32", 0, 0)
		m.watchQueue = append(m.watchQueue, &watchQueueEntry{username: name, gameID: "dcss-0.32"})
	}

	m.processQueue(ctx)
	assert.Len(t, m.sessions, 2)
	assert.Len(t, m.watchQueue, 3)
}

func TestProcessQueueRewatchCooldown(t *testing.T) {
	users := &fakeUsers{rows: map[string]store.Row{
		"webtiles/alice": subscriber("alice"),
	}}
	m := newTestManager(t, users, &fakeRouter{ready: true})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addLobby(m, 1, "alice", "dcss-0.32", 0, 0)
	entry := &watchQueueEntry{username: "alice", gameID: "dcss-0.32", timeEnd: time.Now().Add(-2 * time.Second)}
	m.watchQueue = []*watchQueueEntry{entry}

	m.processQueue(ctx)
	assert.Empty(t, m.sessions)

	entry.timeEnd = time.Now().Add(-6 * time.Second)
	m.processQueue(ctx)
	assert.Len(t, m.sessions, 1)
}

func TestProcessQueueDropsEntries(t *testing.T) {
	users := &fakeUsers{rows: map[string]store.Row{
		"webtiles/alice": subscriber("alice"),
		"webtiles/bob":   subscriber("bob"),
		"webtiles/carol": subscriber("carol"),
	}}
	m := newTestManager(t, users, &fakeRouter{ready: true})
	m.cfg.NeverWatch = []string{"bob"}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// alice's game ended long ago; bob is denylisted; carol's entry is
	// still within the rewatch window.
	m.watchQueue = []*watchQueueEntry{
		{username: "alice", gameID: "dcss-0.32", timeEnd: time.Now().Add(-2 * time.Minute)},
		{username: "bob", gameID: "dcss-0.32"},
		{username: "carol", gameID: "dcss-0.32", timeEnd: time.Now().Add(-30 * time.Second)},
	}

	m.processQueue(ctx)
	require.Len(t, m.watchQueue, 1)
	assert.Equal(t, "carol", m.watchQueue[0].username)
}

func TestHandleMessageGameEnd(t *testing.T) {
	m := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	s := newGameSession(m, "alice", "dcss-0.32")
	target := watchTarget{username: "alice", gameID: "dcss-0.32"}
	ctx := context.Background()

	// game_ended while not watching is ignored.
	err := s.handleMessage(ctx, nil, target, Message{Msg: "game_ended"})
	assert.NoError(t, err)

	s.watching = true
	err = s.handleMessage(ctx, nil, target, Message{Msg: "game_ended"})
	assert.ErrorIs(t, err, errGameEnded)

	err = s.handleMessage(ctx, nil, target, Message{Msg: "go_lobby"})
	assert.ErrorIs(t, err, errGameEnded)

	err = s.handleMessage(ctx, nil, target, Message{Msg: "go", Path: "/"})
	assert.ErrorIs(t, err, errGameEnded)
}

func TestSpectatorParsing(t *testing.T) {
	m := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	s := newGameSession(m, "alice", "dcss-0.32")

	s.setSpectators(`<span class="spectator">beem</span>, <a href="#">dave</a>, eve`)
	assert.Equal(t, []string{"dave", "eve"}, s.spectators)
}

func TestFormatOutbound(t *testing.T) {
	assert.Equal(t, "*beem* dances", formatOutbound("beem", "dances", chat.KindAction))
	assert.Equal(t, "]!lg * alice", formatOutbound("beem", "!lg * alice", chat.KindNormal))
	assert.Equal(t, "hello", formatOutbound("beem", "hello", chat.KindMonster))
}

func TestAllowQueryPlayerOnly(t *testing.T) {
	users := &fakeUsers{rows: map[string]store.Row{
		"webtiles/alice": {"username": "alice", "player_only": int64(1)},
	}}
	m := newTestManager(t, users, &fakeRouter{ready: true})
	s := newGameSession(m, "alice", "dcss-0.32")

	assert.True(t, s.AllowQuery("Alice"))
	assert.True(t, s.AllowQuery("root"))
	assert.False(t, s.AllowQuery("dave"))

	// Without the flag everyone may query.
	s2 := newGameSession(m, "bob", "dcss-0.32")
	assert.True(t, s2.AllowQuery("dave"))
}

func TestReminderText(t *testing.T) {
	text := reminderText("Watch %us game at twitch.tv/%t, courtesy of %u.", "alice", "alicetv")
	assert.Equal(t, "Watch alice's game at twitch.tv/alicetv, courtesy of alice.", text)

	// Names ending in s take a bare apostrophe.
	assert.Equal(t, "Chris' game", reminderText("%us game", "Chris", "christv"))
}

func TestReminderNeedsAudience(t *testing.T) {
	users := &fakeUsers{rows: map[string]store.Row{
		"webtiles/alice": {"username": "alice", "twitch_username": "alicetv",
			"twitch_reminder": int64(1)},
	}}
	m := newTestManager(t, users, &fakeRouter{ready: true})
	m.twitch = &fakeForwarder{}
	m.cfg.TwitchReminderText = "Watch %us game at twitch.tv/%t"
	m.cfg.TwitchReminderPeriod = 300

	s := newGameSession(m, "alice", "dcss-0.32")
	s.watching = true
	ctx := context.Background()

	// An empty chat, or the player alone, gets no reminder.
	s.maybeSendReminder(ctx)
	assert.True(t, s.lastReminder.IsZero())

	s.spectators = []string{"Alice"}
	s.maybeSendReminder(ctx)
	assert.True(t, s.lastReminder.IsZero())

	s.spectators = []string{"Alice", "dave"}
	s.maybeSendReminder(ctx)
	assert.False(t, s.lastReminder.IsZero())
}

func TestForwardDumpFormat(t *testing.T) {
	users := &fakeUsers{rows: map[string]store.Row{
		"webtiles/alice": {"username": "alice", "twitch_username": "alicetv"},
	}}
	m := newTestManager(t, users, &fakeRouter{ready: true})
	fwd := &fakeForwarder{}
	m.twitch = fwd

	s := newGameSession(m, "alice", "dcss-0.32")
	s.forwardDump(context.Background(), "alice", "http://crawl.example.org/morgue/alice/alice-20260826")

	require.Len(t, fwd.lines, 1)
	assert.Equal(t, "alicetv <- Char dump: http://crawl.example.org/morgue/alice/alice-20260826.txt",
		fwd.lines[0])

	// No linked channel, nothing forwarded.
	s2 := newGameSession(m, "bob", "dcss-0.32")
	s2.forwardDump(context.Background(), "bob", "http://crawl.example.org/morgue/bob/bob-20260826")
	assert.Len(t, fwd.lines, 1)
}

func TestLobbyLoginTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		// Accept the login request and go silent.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testWTConfig()
	cfg.ServerURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	l := NewLobby(cfg, metrics.New(), slog.Default())

	base := time.Now()
	calls := 0
	l.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(loginTimeout + time.Minute)
	}

	err := l.runConn(context.Background())
	assert.ErrorIs(t, err, beemerr.ErrConnectFailed)
}

func TestLobbyTable(t *testing.T) {
	l := NewLobby(testWTConfig(), metrics.New(), slog.Default())

	l.applyEntry(Message{Msg: "lobby_entry", ID: 7, Username: "alice", GameID: "dcss-0.32", SpectatorCount: 2})
	entry, ok := l.Entry("ALICE", "dcss-0.32")
	require.True(t, ok)
	assert.Equal(t, 2, entry.SpectatorCount)

	assert.False(t, l.Complete())
	l.setComplete()
	assert.True(t, l.Complete())

	l.remove(7)
	_, ok = l.Entry("alice", "dcss-0.32")
	assert.False(t, ok)

	l.applyEntry(Message{Msg: "lobby_entry", ID: 8, Username: "bob", GameID: "dcss-0.32"})
	l.clear()
	assert.Empty(t, l.Entries())
	assert.False(t, l.Complete())
}

func TestResolve(t *testing.T) {
	m := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	s := newGameSession(m, "alice", "dcss-0.32")
	m.sessions["alice"] = s

	src, ok := m.Resolve(chat.SourceIdent{Service: "webtiles", Name: "Alice", GameID: "dcss-0.32"})
	require.True(t, ok)
	assert.Same(t, chat.Source(s), src)

	_, ok = m.Resolve(chat.SourceIdent{Service: "webtiles", Name: "alice", GameID: "dcss-0.31"})
	assert.False(t, ok)
}
