// Package twitch implements the Twitch IRC service: it joins per-streamer
// channels on request, relays their chat through the command engine and the
// query router, and enforces the server's outbound message budget.
package twitch

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/irc.v4"

	"github.com/beembot/beem/internal/beemerr"
	"github.com/beembot/beem/internal/chat"
	"github.com/beembot/beem/internal/config"
	"github.com/beembot/beem/internal/metrics"
	"github.com/beembot/beem/store"
)

const (
	reconnectTimeout = 5 * time.Second
	dialTimeout      = 30 * time.Second
	// queueTick is the watch-queue reconciliation interval.
	queueTick = time.Second
)

// Router is the manager's view of the query router. Channels are only
// joined while it is ready.
type Router interface {
	chat.QueryRouter
	Ready() bool
}

// watchQueueEntry is one pending or active channel-watch request. parted
// marks it for removal; timeRequest starts the expiry clock.
type watchQueueEntry struct {
	username    string
	parted      bool
	timeRequest time.Time
}

// Manager owns the Twitch IRC socket, the joined channel set, and the
// watch queue that admits and evicts channels.
type Manager struct {
	cfg    *config.TwitchConfig
	db     chat.UserStore
	router Router
	engine *chat.Engine
	met    *metrics.Metrics
	log    *slog.Logger
	budget *budget

	mu         sync.Mutex
	channels   map[string]*Channel
	botChannel *Channel
	watchQueue []*watchQueueEntry
	writer     func(*irc.Message) error

	now func() time.Time
}

func NewManager(cfg *config.TwitchConfig, db chat.UserStore, router Router, met *metrics.Metrics, log *slog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		db:       db,
		router:   router,
		met:      met,
		log:      log.With("component", "twitch"),
		channels: make(map[string]*Channel),
		budget: newBudget(cfg.MessageLimit, cfg.ModeratorMessageLimit,
			config.Seconds(cfg.MessageTimeout)),
		now: time.Now,
	}

	// In single-user mode the bot lives in the watched user's channel
	// instead of its own.
	botName := cfg.Nick
	if cfg.WatchUser != "" {
		botName = cfg.WatchUser
	}
	m.botChannel = newChannel(m, botName, true)

	m.engine = chat.NewEngine(chat.EngineConfig{
		Service:    store.ServiceTwitch,
		BotName:    cfg.Nick,
		LoginName:  cfg.Nick,
		HelpText:   cfg.HelpText,
		SingleUser: cfg.WatchUser != "",
		IsAdmin:    cfg.IsAdmin,
	}, router, db, m.log)
	m.engine.SetMetrics(met)
	m.engine.Register(m.commands()...)
	return m
}

// Resolve maps a source ident back to its joined channel.
func (m *Manager) Resolve(ident chat.SourceIdent) (chat.Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channelLocked(ident.Name)
	if ch == nil {
		return nil, false
	}
	return ch, true
}

// ForwardDump sends a character dump line to a streamer's channel. It fails
// when the channel is not currently joined.
func (m *Manager) ForwardDump(ctx context.Context, twitchUser, line string) error {
	m.mu.Lock()
	ch := m.channelLocked(twitchUser)
	m.mu.Unlock()
	if ch == nil {
		return errors.Wrapf(beemerr.ErrNotFound, "not watching %s", twitchUser)
	}
	return ch.SendChat(ctx, line, chat.KindNormal)
}

// Run connects to Twitch IRC and drives the watch queue until the context
// is cancelled. Transient connection errors reconnect after a delay; an
// authentication failure is returned and ends the process.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.runIRC(ctx) })
	g.Go(func() error { return m.runQueue(ctx) })
	return g.Wait()
}

func (m *Manager) runIRC(ctx context.Context) error {
	for {
		err := m.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, beemerr.ErrAuthFailed) {
			return err
		}

		m.log.Error("connection lost", "error", err)
		m.met.Reconnects.WithLabelValues("twitch").Inc()
		select {
		case <-time.After(reconnectTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) runConn(ctx context.Context) error {
	addr := net.JoinHostPort(m.cfg.Hostname, strconv.Itoa(m.cfg.Port))
	m.log.Info("connecting", "addr", addr, "nick", m.cfg.Nick)

	d := net.Dialer{Timeout: dialTimeout}
	sock, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(beemerr.ErrConnectFailed, "dial %s: %v", addr, err)
	}
	defer sock.Close()
	stop := context.AfterFunc(ctx, func() { sock.Close() })
	defer stop()

	conn := irc.NewConn(sock)
	m.mu.Lock()
	// Joined channels don't survive a reconnect; the queue loop rejoins
	// from the surviving entries.
	m.channels = make(map[string]*Channel)
	m.writer = conn.WriteMessage
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.writer = nil
		m.mu.Unlock()
	}()

	if err := m.register(conn); err != nil {
		return err
	}
	return m.readLoop(ctx, conn)
}

func (m *Manager) register(conn *irc.Conn) error {
	msgs := []*irc.Message{
		{Command: "PASS", Params: []string{m.cfg.Password}},
		{Command: "NICK", Params: []string{m.cfg.Nick}},
		{Command: "USER", Params: []string{m.cfg.Nick, "0", "*", m.cfg.Nick}},
		// Membership gives us JOIN/PART/MODE, which tracks moderator
		// status for the message budget.
		{Command: "CAP", Params: []string{"REQ", "twitch.tv/membership"}},
	}
	for _, msg := range msgs {
		if err := conn.WriteMessage(msg); err != nil {
			return errors.Wrapf(beemerr.ErrWriteFailed, "register: %v", err)
		}
	}
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn *irc.Conn) error {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrapf(beemerr.ErrReadFailed, "read: %v", err)
		}

		switch msg.Command {
		case "PING":
			reply := &irc.Message{Command: "PONG", Params: msg.Params}
			if err := conn.WriteMessage(reply); err != nil {
				return errors.Wrapf(beemerr.ErrWriteFailed, "pong: %v", err)
			}

		case "001":
			m.log.Info("connected", "nick", m.cfg.Nick)
			m.mu.Lock()
			err := m.joinChannelLocked(m.botChannel)
			m.mu.Unlock()
			if err != nil {
				return err
			}

		case "NOTICE":
			// Twitch reports a bad oauth token as a NOTICE, not a numeric.
			if strings.Contains(msg.Trailing(), "authentication failed") {
				return errors.Wrap(beemerr.ErrAuthFailed, msg.Trailing())
			}

		case "MODE":
			m.handleMode(msg)

		case "PRIVMSG":
			m.handlePrivmsg(ctx, msg)
		}
	}
}

func (m *Manager) handleMode(msg *irc.Message) {
	if len(msg.Params) < 3 || !strings.EqualFold(msg.Params[2], m.cfg.Nick) {
		return
	}
	m.mu.Lock()
	ch := m.channelLocked(strings.TrimPrefix(msg.Params[0], "#"))
	m.mu.Unlock()
	if ch == nil {
		return
	}
	switch msg.Params[1] {
	case "+o":
		ch.setModerator(true)
	case "-o":
		ch.setModerator(false)
	}
}

func (m *Manager) handlePrivmsg(ctx context.Context, msg *irc.Message) {
	if len(msg.Params) < 2 || !strings.HasPrefix(msg.Params[0], "#") {
		return
	}
	username := msg.Params[0][1:]

	m.mu.Lock()
	ch := m.channelLocked(username)
	m.mu.Unlock()
	if ch == nil {
		m.log.Warn("message for unknown channel", "channel", msg.Params[0])
		return
	}

	// The server eats a leading "." as a channel command, so users type
	// "_" for Sequell queries and we restore it here.
	text := msg.Params[1]
	if strings.HasPrefix(text, "_") {
		text = "." + text[1:]
	}

	ch.touch(m.now())
	m.met.ChatMessages.WithLabelValues(store.ServiceTwitch, "in").Inc()
	m.engine.ProcessMessage(ctx, ch, msg.Name, text)
}

func (m *Manager) runQueue(ctx context.Context) error {
	ticker := time.NewTicker(queueTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.updateQueue()
		}
	}
}

// updateQueue reconciles the watch queue: it parts channels that are no
// longer wanted, drops dead entries, and joins channels for live ones.
func (m *Manager) updateQueue() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	able := m.router.Ready() && m.writer != nil
	kept := m.watchQueue[:0]

	for _, q := range m.watchQueue {
		ch := m.channelLocked(q.username)
		allowed := m.canWatchUser(q.username)
		expired := now.Sub(q.timeRequest) >= config.Seconds(m.cfg.RequestExpireTime)
		idle := ch != nil && ch.idle(now) >= config.Seconds(m.cfg.MaxChatIdle)

		if ch != nil && (!able || !allowed || q.parted || expired || idle) {
			if err := m.partChannelLocked(ch); err != nil {
				// Retry the part on the next tick.
				m.log.Error("part failed", "twitch_user", q.username, "error", err)
				kept = append(kept, q)
				continue
			}
			ch = nil
		}
		if !allowed || q.parted || expired || idle {
			m.log.Info("dropping watch queue entry", "twitch_user", q.username)
			continue
		}
		if ch == nil && able {
			if err := m.admitChannelLocked(q.username); err != nil {
				m.log.Info("join deferred", "twitch_user", q.username, "error", err)
			}
		}
		kept = append(kept, q)
	}
	m.watchQueue = kept
	m.met.TwitchChannels.Set(float64(len(m.channels)))
}

// admitChannelLocked joins a channel, evicting the most idle existing one
// when all slots are taken. Admission fails when no channel is idle enough
// to evict. Caller holds m.mu.
func (m *Manager) admitChannelLocked(username string) error {
	if len(m.channels) >= m.cfg.MaxWatchedSubscribers {
		victim := m.mostIdleLocked()
		if victim == nil {
			return errors.Wrap(beemerr.ErrQueueFull, "all channel slots busy")
		}
		if err := m.partChannelLocked(victim); err != nil {
			return err
		}
		m.markPartedLocked(victim.username)
	}
	return m.joinChannelLocked(newChannel(m, username, false))
}

// mostIdleLocked finds the evictable channel: idle at least min_idle, ties
// broken toward the longest idle. Caller holds m.mu.
func (m *Manager) mostIdleLocked() *Channel {
	now := m.now()
	var victim *Channel
	var maxIdle time.Duration
	for _, ch := range m.channels {
		idle := ch.idle(now)
		if idle >= config.Seconds(m.cfg.MinIdle) && idle > maxIdle {
			victim, maxIdle = ch, idle
		}
	}
	return victim
}

func (m *Manager) joinChannelLocked(ch *Channel) error {
	if !m.budget.take(false) {
		return errors.Wrap(beemerr.ErrRateLimited, "message limit reached")
	}
	err := m.writeLocked(&irc.Message{Command: "JOIN", Params: []string{ch.ircName}})
	if err != nil {
		return err
	}
	if !ch.bot {
		m.channels[strings.ToLower(ch.username)] = ch
	}
	m.log.Info("joining channel", "twitch_user", ch.username)
	return nil
}

func (m *Manager) partChannelLocked(ch *Channel) error {
	if !m.budget.take(false) {
		return errors.Wrap(beemerr.ErrRateLimited, "message limit reached")
	}
	err := m.writeLocked(&irc.Message{Command: "PART", Params: []string{ch.ircName}})
	if err != nil {
		return err
	}
	delete(m.channels, strings.ToLower(ch.username))
	m.log.Info("leaving channel", "twitch_user", ch.username)
	return nil
}

// sendChannel transmits one chat line within the message budget. Budget
// exhaustion is a silent failure: logged, message dropped, no error.
func (m *Manager) sendChannel(ctx context.Context, ch *Channel, message string, kind chat.MessageKind) error {
	if !m.budget.take(ch.Moderator()) {
		m.log.Info("message limit reached, dropping message", "channel", ch.ircName)
		return nil
	}

	text := message
	if kind == chat.KindAction {
		text = "\x01ACTION " + message + "\x01"
	}

	m.mu.Lock()
	err := m.writeLocked(&irc.Message{Command: "PRIVMSG", Params: []string{ch.ircName, text}})
	m.mu.Unlock()
	if err != nil {
		return err
	}
	ch.touch(m.now())
	m.met.ChatMessages.WithLabelValues(store.ServiceTwitch, "out").Inc()
	return nil
}

func (m *Manager) writeLocked(msg *irc.Message) error {
	if m.writer == nil {
		return errors.Wrap(beemerr.ErrWriteFailed, "not connected")
	}
	if err := m.writer(msg); err != nil {
		return errors.Wrapf(beemerr.ErrWriteFailed, "%s: %v", msg.Command, err)
	}
	return nil
}

// channelLocked maps a streamer name to its joined channel. The bot's own
// channel (the watched user's, in single-user mode) is always present.
// Caller holds m.mu.
func (m *Manager) channelLocked(username string) *Channel {
	if strings.EqualFold(username, m.botChannel.username) {
		return m.botChannel
	}
	if m.cfg.WatchUser != "" {
		return nil
	}
	return m.channels[strings.ToLower(username)]
}

func (m *Manager) queueEntryLocked(username string) *watchQueueEntry {
	for _, q := range m.watchQueue {
		if strings.EqualFold(q.username, username) {
			return q
		}
	}
	return nil
}

func (m *Manager) markPartedLocked(username string) {
	if q := m.queueEntryLocked(username); q != nil {
		q.parted = true
	}
}

func (m *Manager) canWatchUser(username string) bool {
	if m.cfg.WatchUser != "" {
		return strings.EqualFold(username, m.cfg.WatchUser)
	}
	for _, n := range m.cfg.NeverWatch {
		if strings.EqualFold(n, username) {
			return false
		}
	}
	return true
}

// commands returns the Twitch-specific command set. Join requests are made
// from the bot's own channel; part works from the streamer's chat too.
func (m *Manager) commands() []*chat.Command {
	return []*chat.Command{
		{
			Name:               "join",
			RequireBotSource:   true,
			DisallowSingleUser: true,
			Handler:            m.handleJoin,
		},
		{
			Name:               "part",
			DisallowSingleUser: true,
			Handler:            m.handlePart,
		},
	}
}

func (m *Manager) handleJoin(ctx context.Context, inv chat.Invocation) (string, error) {
	if _, err := m.db.EnsureUser(ctx, store.ServiceTwitch, inv.TargetUser); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channelLocked(inv.TargetUser) != nil {
		return "Already watching the Twitch chat of " + inv.TargetUser + ".", nil
	}
	if m.queueEntryLocked(inv.TargetUser) != nil {
		return "A join request for " + inv.TargetUser + " is already queued.", nil
	}

	m.watchQueue = append(m.watchQueue, &watchQueueEntry{
		username:    inv.TargetUser,
		timeRequest: m.now(),
	})
	return m.cfg.Nick + " will join the Twitch chat of " + inv.TargetUser + " soon.", nil
}

func (m *Manager) handlePart(ctx context.Context, inv chat.Invocation) (string, error) {
	if _, ok := m.db.User(store.ServiceTwitch, inv.TargetUser); !ok {
		return "Twitch user " + inv.TargetUser + " is not registered.", nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channelLocked(inv.TargetUser)
	if ch == nil || ch.bot {
		return "Not watching the Twitch chat of " + inv.TargetUser + ".", nil
	}
	if err := m.partChannelLocked(ch); err != nil {
		return "", err
	}
	m.markPartedLocked(ch.username)
	return "Leaving the Twitch chat of " + inv.TargetUser + ".", nil
}
