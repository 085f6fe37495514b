package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/irc.v4"

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
	ready   bool
	queries []string
}

func (r *fakeRouter) IsQuery(msg string) bool { return strings.HasPrefix(msg, ".") }
func (r *fakeRouter) SendQuery(ctx context.Context, src chat.Source, requester, msg string) error {
	r.queries = append(r.queries, msg)
	return nil
}
func (r *fakeRouter) Ready() bool { return r.ready }

func testTVConfig() *config.TwitchConfig {
	return &config.TwitchConfig{
		Hostname:              "irc.chat.twitch.tv",
		Port:                  6667,
		Nick:                  "beembot",
		Password:              "oauth:xyz",
		HelpText:              "help",
		MessageLimit:          20,
		ModeratorMessageLimit: 100,
		MessageTimeout:        30,
		MaxChatIdle:           600,
		RequestExpireTime:     300,
		MaxWatchedSubscribers: 1,
		MinIdle:               60,
		Admins:                []string{"root"},
		CommandPeriod:         10,
		CommandLimit:          3,
	}
}

// newTestManager wires a manager to a recording writer instead of a socket.
func newTestManager(t *testing.T, users *fakeUsers, router *fakeRouter) (*Manager, *[]string) {
	t.Helper()
	m := NewManager(testTVConfig(), users, router, metrics.New(), slog.Default())

	var sent []string
	m.writer = func(msg *irc.Message) error {
		line := msg.Command
		if len(msg.Params) > 0 {
			line = fmt.Sprintf("%s %s", msg.Command, strings.Join(msg.Params, " "))
		}
		sent = append(sent, line)
		return nil
	}
	return m, &sent
}

func joinChannel(m *Manager, username string, lastActivity time.Time) *Channel {
	ch := newChannel(m, username, false)
	ch.lastActivity = lastActivity
	m.channels[strings.ToLower(username)] = ch
	return ch
}

func TestFormatOutbound(t *testing.T) {
	assert.Equal(t, " .w 5", formatOutbound(".w 5", chat.KindNormal))
	assert.Equal(t, " /me hides", formatOutbound("/me hides", chat.KindNormal))
	assert.Equal(t, "]!lg * alice", formatOutbound("!lg * alice", chat.KindNormal))
	assert.Equal(t, "dances", formatOutbound("dances", chat.KindAction))
	assert.Equal(t, "hello", formatOutbound("hello", chat.KindNormal))
}

func TestInboundUnderscoreRewrite(t *testing.T) {
	router := &fakeRouter{ready: true}
	m, _ := newTestManager(t, &fakeUsers{}, router)
	joinChannel(m, "dave", m.now())

	m.handlePrivmsg(context.Background(), &irc.Message{
		Prefix:  &irc.Prefix{Name: "sender"},
		Command: "PRIVMSG",
		Params:  []string{"#dave", "_lg * won"},
	})

	require.Len(t, router.queries, 1)
	assert.Equal(t, ".lg * won", router.queries[0])
}

func TestPrivmsgUnknownChannelIgnored(t *testing.T) {
	router := &fakeRouter{ready: true}
	m, _ := newTestManager(t, &fakeUsers{}, router)

	m.handlePrivmsg(context.Background(), &irc.Message{
		Prefix:  &irc.Prefix{Name: "sender"},
		Command: "PRIVMSG",
		Params:  []string{"#nobody", ".lg"},
	})
	assert.Empty(t, router.queries)
}

func TestQueueJoinsChannel(t *testing.T) {
	m, sent := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	m.watchQueue = []*watchQueueEntry{{username: "dave", timeRequest: m.now()}}

	m.updateQueue()
	require.Len(t, *sent, 1)
	assert.Equal(t, "JOIN #dave", (*sent)[0])
	assert.NotNil(t, m.channels["dave"])
	assert.Len(t, m.watchQueue, 1)
}

func TestQueueEvictsIdleChannel(t *testing.T) {
	m, sent := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	joinChannel(m, "old", m.now().Add(-2*time.Minute))
	m.watchQueue = []*watchQueueEntry{
		{username: "old", timeRequest: m.now()},
		{username: "new", timeRequest: m.now()},
	}

	m.updateQueue()
	assert.Equal(t, []string{"PART #old", "JOIN #new"}, *sent)
	assert.Nil(t, m.channels["old"])
	assert.NotNil(t, m.channels["new"])

	// The evicted channel's entry is marked parted and removed next tick.
	m.updateQueue()
	require.Len(t, m.watchQueue, 1)
	assert.Equal(t, "new", m.watchQueue[0].username)
}

func TestQueueAdmissionFailsWithoutIdleVictim(t *testing.T) {
	m, sent := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	joinChannel(m, "busy", m.now().Add(-10*time.Second))
	m.watchQueue = []*watchQueueEntry{{username: "new", timeRequest: m.now()}}

	m.updateQueue()
	assert.Empty(t, *sent)
	assert.NotNil(t, m.channels["busy"])
	assert.Len(t, m.watchQueue, 1)
}

func TestQueueExpiresRequests(t *testing.T) {
	m, sent := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	joinChannel(m, "dave", m.now())
	m.watchQueue = []*watchQueueEntry{
		{username: "dave", timeRequest: m.now().Add(-10 * time.Minute)},
	}

	m.updateQueue()
	assert.Equal(t, []string{"PART #dave"}, *sent)
	assert.Empty(t, m.watchQueue)
}

func TestQueuePartsWhenRouterDown(t *testing.T) {
	m, sent := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: false})
	joinChannel(m, "dave", m.now())
	m.watchQueue = []*watchQueueEntry{{username: "dave", timeRequest: m.now()}}

	m.updateQueue()
	assert.Equal(t, []string{"PART #dave"}, *sent)
	// The entry survives for when the router comes back.
	assert.Len(t, m.watchQueue, 1)
}

func TestQueueDropsIdleChat(t *testing.T) {
	m, sent := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	joinChannel(m, "dave", m.now().Add(-11*time.Minute))
	m.watchQueue = []*watchQueueEntry{{username: "dave", timeRequest: m.now()}}

	m.updateQueue()
	assert.Equal(t, []string{"PART #dave"}, *sent)
	assert.Empty(t, m.watchQueue)
}

func TestQueueDropsNeverWatch(t *testing.T) {
	m, _ := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	m.cfg.NeverWatch = []string{"dave"}
	m.watchQueue = []*watchQueueEntry{{username: "dave", timeRequest: m.now()}}

	m.updateQueue()
	assert.Empty(t, m.watchQueue)
}

func TestJoinCommand(t *testing.T) {
	users := &fakeUsers{}
	m, _ := newTestManager(t, users, &fakeRouter{ready: true})
	ctx := context.Background()
	inv := chat.Invocation{Source: m.botChannel, Sender: "dave", TargetUser: "dave"}

	reply, err := m.handleJoin(ctx, inv)
	require.NoError(t, err)
	assert.Contains(t, reply, "will join the Twitch chat of dave")
	require.Len(t, m.watchQueue, 1)

	// The user was registered as a side effect.
	_, ok := users.User(store.ServiceTwitch, "dave")
	assert.True(t, ok)

	reply, err = m.handleJoin(ctx, inv)
	require.NoError(t, err)
	assert.Contains(t, reply, "already queued")

	m.watchQueue = nil
	joinChannel(m, "dave", m.now())
	reply, err = m.handleJoin(ctx, inv)
	require.NoError(t, err)
	assert.Contains(t, reply, "Already watching")
}

func TestPartCommand(t *testing.T) {
	users := &fakeUsers{}
	m, sent := newTestManager(t, users, &fakeRouter{ready: true})
	ctx := context.Background()
	inv := chat.Invocation{Source: m.botChannel, Sender: "dave", TargetUser: "dave"}

	reply, err := m.handlePart(ctx, inv)
	require.NoError(t, err)
	assert.Contains(t, reply, "not registered")

	users.EnsureUser(ctx, store.ServiceTwitch, "dave")
	reply, err = m.handlePart(ctx, inv)
	require.NoError(t, err)
	assert.Contains(t, reply, "Not watching")

	joinChannel(m, "dave", m.now())
	m.watchQueue = []*watchQueueEntry{{username: "dave", timeRequest: m.now()}}
	reply, err = m.handlePart(ctx, inv)
	require.NoError(t, err)
	assert.Contains(t, reply, "Leaving the Twitch chat of dave")
	assert.Equal(t, []string{"PART #dave"}, *sent)
	assert.True(t, m.watchQueue[0].parted)
}

func TestChannelLookupSingleUser(t *testing.T) {
	cfg := testTVConfig()
	cfg.WatchUser = "streamer"
	m := NewManager(cfg, &fakeUsers{}, &fakeRouter{ready: true}, metrics.New(), slog.Default())

	assert.Same(t, m.botChannel, m.channelLocked("Streamer"))
	assert.Nil(t, m.channelLocked("other"))
	assert.True(t, m.botChannel.IsBotChannel())
}

func TestModeratorTracking(t *testing.T) {
	m, _ := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	ch := joinChannel(m, "dave", m.now())

	m.handleMode(&irc.Message{Command: "MODE", Params: []string{"#dave", "+o", "beembot"}})
	assert.True(t, ch.Moderator())

	// Other users' mode changes are ignored.
	m.handleMode(&irc.Message{Command: "MODE", Params: []string{"#dave", "-o", "someone"}})
	assert.True(t, ch.Moderator())

	m.handleMode(&irc.Message{Command: "MODE", Params: []string{"#dave", "-o", "beembot"}})
	assert.False(t, ch.Moderator())
}

func TestSendChannelBudgetSilentDrop(t *testing.T) {
	m, sent := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	ch := joinChannel(m, "dave", m.now())
	ctx := context.Background()

	m.cfg.MessageLimit = 2
	m.budget = newBudget(2, 100, 30*time.Second)

	require.NoError(t, ch.SendChat(ctx, "one", chat.KindNormal))
	require.NoError(t, ch.SendChat(ctx, "two", chat.KindNormal))
	require.NoError(t, ch.SendChat(ctx, "three", chat.KindNormal))
	assert.Equal(t, []string{"PRIVMSG #dave one", "PRIVMSG #dave two"}, *sent)
}

func TestSendChannelAction(t *testing.T) {
	m, sent := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})
	ch := joinChannel(m, "dave", m.now())

	require.NoError(t, ch.SendChat(context.Background(), "dances", chat.KindAction))
	require.Len(t, *sent, 1)
	assert.Equal(t, "PRIVMSG #dave \x01ACTION dances\x01", (*sent)[0])
}

func TestForwardDump(t *testing.T) {
	m, sent := newTestManager(t, &fakeUsers{}, &fakeRouter{ready: true})

	err := m.ForwardDump(context.Background(), "dave", "Character dump: http://x/y.txt")
	assert.Error(t, err)

	joinChannel(m, "dave", m.now())
	err = m.ForwardDump(context.Background(), "dave", "Character dump: http://x/y.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"PRIVMSG #dave Character dump: http://x/y.txt"}, *sent)
}
