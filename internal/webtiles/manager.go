package webtiles

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/beembot/beem/internal/chat"
	"github.com/beembot/beem/internal/config"
	"github.com/beembot/beem/internal/metrics"
	"github.com/beembot/beem/store"
)

const (
	// schedulerTick is the reconciliation interval.
	schedulerTick = 500 * time.Millisecond
	// rewatchWait is the cooldown after a session ends before the same
	// game is watched again.
	rewatchWait = 5 * time.Second
)

// Router is the manager's view of the query router.
type Router interface {
	chat.QueryRouter
	Ready() bool
}

// DumpForwarder relays character dump links to a linked Twitch channel.
type DumpForwarder interface {
	ForwardDump(ctx context.Context, twitchUser, line string) error
}

// watchQueueEntry is one subscribed game awaiting (or holding) a
// subscriber slot. timeEnd starts the rewatch cooldown once a session for
// it has ended.
type watchQueueEntry struct {
	username string
	gameID   string
	timeEnd  time.Time
}

// Manager is the watch scheduler. Each tick it reconciles the live lobby
// table against subscriptions and the autowatch policy, creating and
// destroying game sessions.
type Manager struct {
	cfg    *config.WebTilesConfig
	db     chat.UserStore
	router Router
	twitch DumpForwarder
	engine *chat.Engine
	lobby  *Lobby
	met    *metrics.Metrics
	log    *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*GameSession
	autowatch  *GameSession
	watchQueue []*watchQueueEntry

	fatalCh chan error
	now     func() time.Time
}

// NewManager builds the WebTiles service. twitch may be nil when the
// Twitch service is disabled.
func NewManager(cfg *config.WebTilesConfig, db chat.UserStore, router Router, twitch DumpForwarder, met *metrics.Metrics, log *slog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		db:       db,
		router:   router,
		twitch:   twitch,
		met:      met,
		log:      log.With("component", "webtiles"),
		sessions: make(map[string]*GameSession),
		fatalCh:  make(chan error, 1),
		now:      time.Now,
	}
	m.lobby = NewLobby(cfg, met, log)
	m.engine = chat.NewEngine(chat.EngineConfig{
		Service:    store.ServiceWebTiles,
		BotName:    cfg.Username,
		LoginName:  cfg.Username,
		HelpText:   cfg.HelpText,
		SingleUser: cfg.SingleUserMode(),
		IsAdmin:    cfg.IsAdmin,
	}, router, db, m.log)
	m.engine.SetMetrics(met)
	m.engine.Register(m.commands()...)
	return m
}

// Resolve maps a source ident back to its live session.
func (m *Manager) Resolve(ident chat.SourceIdent) (chat.Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.allSessions() {
		u, g := s.Target()
		if strings.EqualFold(u, ident.Name) && g == ident.GameID {
			return s, true
		}
	}
	return nil, false
}

// allSessions returns subscriber sessions plus the autowatch slot. Caller
// holds m.mu.
func (m *Manager) allSessions() []*GameSession {
	out := make([]*GameSession, 0, len(m.sessions)+1)
	for _, s := range m.sessions {
		out = append(out, s)
	}
	if m.autowatch != nil {
		out = append(out, m.autowatch)
	}
	return out
}

// fatal requests process shutdown; used for rejected logins.
func (m *Manager) fatal(err error) {
	select {
	case m.fatalCh <- err:
	default:
	}
}

// Run starts the lobby feed and the scheduler loop.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.SingleUserMode() {
		if err := m.setupSingleUser(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.lobby.Run(ctx) })
	g.Go(func() error { return m.schedule(ctx) })
	return g.Wait()
}

// setupSingleUser pins the configured user: registered and subscribed, so
// the ordinary queue machinery drives the one session.
func (m *Manager) setupSingleUser(ctx context.Context) error {
	name := m.cfg.WatchUsername
	row, err := m.db.EnsureUser(ctx, store.ServiceWebTiles, name)
	if err != nil {
		return err
	}
	if row.Int("subscription") != 1 {
		if err := m.db.SetField(ctx, store.ServiceWebTiles, name, "subscription", 1); err != nil {
			return err
		}
	}
	m.log.Info("single-user mode", "watch_user", name)
	return nil
}

func (m *Manager) schedule(ctx context.Context) error {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return ctx.Err()
		case err := <-m.fatalCh:
			m.stopAll()
			return err
		case <-ticker.C:
		}

		m.mu.Lock()
		m.reap()
		// Protocol 2 streams partial snapshots; earlier protocols are
		// only trustworthy after lobby_complete.
		if m.lobby.Complete() || m.cfg.ProtocolVersion >= 2 {
			candidate := m.processLobby()
			m.applyAutowatch(ctx, candidate)
			m.processQueue(ctx)
		}
		m.met.WatchedGames.Set(float64(len(m.allSessions())))
		m.mu.Unlock()
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	sessions := m.allSessions()
	m.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
	for _, s := range sessions {
		<-s.Done()
	}
}

// reap clears finished sessions and stamps the rewatch cooldown on their
// queue entries. Caller holds m.mu.
func (m *Manager) reap() {
	for name, s := range m.sessions {
		select {
		case <-s.Done():
			delete(m.sessions, name)
			m.stampEnd(s)
		default:
		}
	}
	if m.autowatch != nil {
		select {
		case <-m.autowatch.Done():
			m.stampEnd(m.autowatch)
			m.autowatch = nil
		default:
		}
	}
}

func (m *Manager) stampEnd(s *GameSession) {
	u, g := s.Target()
	for _, q := range m.watchQueue {
		if strings.EqualFold(q.username, u) && q.gameID == g {
			q.timeEnd = m.now()
		}
	}
}

// processLobby walks the lobby table: queues newly seen subscriber games
// and elects the autowatch candidate. Caller holds m.mu.
func (m *Manager) processLobby() *LobbyEntry {
	now := m.now()
	var best *LobbyEntry
	var bestScore float64

	for _, e := range m.lobby.Entries() {
		e := e
		if !m.gameAllowed(e.Username, e.GameID) {
			continue
		}
		if e.EffectiveIdle(now) >= m.cfg.MaxGameIdle {
			continue
		}

		subscribed := m.isSubscriber(e.Username)
		if subscribed && !m.queueHas(e.Username, e.GameID) {
			m.watchQueue = append(m.watchQueue, &watchQueueEntry{
				username: e.Username, gameID: e.GameID})
			m.log.Info("queued subscriber game", "game_user", e.Username, "game_id", e.GameID)
		}

		if !m.cfg.AutowatchEnabled || !m.router.Ready() {
			continue
		}
		if e.SpectatorCount < m.cfg.MinAutowatchSpectators {
			continue
		}
		// Subscribers with a free reserved slot don't compete for
		// autowatch; the queue will take them.
		if subscribed && m.slotsFree() {
			continue
		}

		// The incumbent wins spectator-count ties.
		score := float64(e.SpectatorCount)
		if m.isAutowatchTarget(e.Username, e.GameID) {
			score += 0.5
		}
		if best == nil || score > bestScore {
			best, bestScore = &e, score
		}
	}
	return best
}

// applyAutowatch points the autowatch slot at the candidate, or checks
// whether the incumbent should be stopped when there is none. Caller holds
// m.mu.
func (m *Manager) applyAutowatch(ctx context.Context, cand *LobbyEntry) {
	if cand != nil {
		if m.autowatch == nil {
			s := newGameSession(m, cand.Username, cand.GameID)
			m.autowatch = s
			s.start(ctx)
			m.log.Info("autowatch started", "game_user", cand.Username, "game_id", cand.GameID)
		} else if !m.isAutowatchTarget(cand.Username, cand.GameID) {
			m.autowatch.Rewatch(cand.Username, cand.GameID)
		}
		return
	}

	if m.autowatch == nil {
		return
	}
	// No candidate: the incumbent stays unless the game is disallowed,
	// the router is down, or the game has gone idle. Falling below the
	// spectator threshold alone is not an eviction.
	u, g := m.autowatch.Target()
	entry, ok := m.lobby.Entry(u, g)
	idle := ok && entry.EffectiveIdle(m.now()) >= m.cfg.MaxGameIdle
	if !m.gameAllowed(u, g) || !m.router.Ready() || idle {
		m.log.Info("autowatch stopped", "game_user", u, "game_id", g)
		m.autowatch.Stop()
	}
}

// processQueue reconciles every queued subscriber game against its session
// and lobby state. Caller holds m.mu.
func (m *Manager) processQueue(ctx context.Context) {
	now := m.now()
	kept := m.watchQueue[:0]

	for _, q := range m.watchQueue {
		sess := m.sessionFor(q.username, q.gameID)
		allowed := m.gameAllowed(q.username, q.gameID)
		entry, haveEntry := m.lobby.Entry(q.username, q.gameID)
		idle := haveEntry && entry.EffectiveIdle(now) >= m.cfg.MaxGameIdle

		if sess != nil {
			if !allowed || !m.router.Ready() || idle {
				sess.Stop()
			} else if sess == m.autowatch && m.slotsFree() {
				// A reserved slot opened; promote out of autowatch.
				m.sessions[strings.ToLower(q.username)] = sess
				m.autowatch = nil
				m.log.Info("promoted to subscriber slot", "game_user", q.username)
			}
			kept = append(kept, q)
			continue
		}

		if !allowed || idle {
			m.log.Info("dropping watch queue entry", "game_user", q.username, "game_id", q.gameID)
			continue
		}
		if !haveEntry {
			if !q.timeEnd.IsZero() &&
				now.Sub(q.timeEnd) > config.Seconds(m.cfg.GameRewatchTimeout) {
				m.log.Info("rewatch timeout", "game_user", q.username, "game_id", q.gameID)
				continue
			}
			kept = append(kept, q)
			continue
		}

		cooled := q.timeEnd.IsZero() || now.Sub(q.timeEnd) >= rewatchWait
		if m.router.Ready() && cooled && m.slotsFree() {
			s := newGameSession(m, q.username, q.gameID)
			m.sessions[strings.ToLower(q.username)] = s
			s.start(ctx)
			m.log.Info("subscriber watch started", "game_user", q.username, "game_id", q.gameID)
		}
		kept = append(kept, q)
	}
	m.watchQueue = kept
}

// sessionFor finds the live session watching a queue entry. Caller holds
// m.mu.
func (m *Manager) sessionFor(username, gameID string) *GameSession {
	if s, ok := m.sessions[strings.ToLower(username)]; ok {
		return s
	}
	if m.autowatch != nil && m.isAutowatchTarget(username, gameID) {
		return m.autowatch
	}
	return nil
}

func (m *Manager) isAutowatchTarget(username, gameID string) bool {
	if m.autowatch == nil {
		return false
	}
	u, g := m.autowatch.Target()
	return strings.EqualFold(u, username) && g == gameID
}

func (m *Manager) slotsFree() bool {
	return len(m.sessions) < m.cfg.MaxWatchedSubscribers
}

func (m *Manager) queueHas(username, gameID string) bool {
	for _, q := range m.watchQueue {
		if strings.EqualFold(q.username, username) && q.gameID == gameID {
			return true
		}
	}
	return false
}

// gameAllowed applies the watch policy: the never_watch denylist is
// absolute, blocked users are never watched, and only game versions 0.10
// and up are supported.
func (m *Manager) gameAllowed(username, gameID string) bool {
	return m.canWatchUser(username) && versionAllowed(gameID)
}

func (m *Manager) canWatchUser(username string) bool {
	if m.cfg.SingleUserMode() {
		return strings.EqualFold(username, m.cfg.WatchUsername)
	}
	for _, n := range m.cfg.NeverWatch {
		if strings.EqualFold(n, username) {
			return false
		}
	}
	if row, ok := m.db.User(store.ServiceWebTiles, username); ok && row.Int("subscription") == -1 {
		return false
	}
	return true
}

func (m *Manager) isSubscriber(username string) bool {
	row, ok := m.db.User(store.ServiceWebTiles, username)
	return ok && row.Int("subscription") == 1
}

var gameVersionRe = regexp.MustCompile(`(\d+)\.(\d+)`)

// versionAllowed rejects games older than 0.10; game ids without a version
// number (trunk builds) are allowed.
func versionAllowed(gameID string) bool {
	m := gameVersionRe.FindStringSubmatch(gameID)
	if m == nil {
		return true
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return major > 0 || minor >= 10
}

// statusLine reports the scheduler state for the admin status command.
func (m *Manager) statusLine() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	auto := "none"
	if m.autowatch != nil {
		u, g := m.autowatch.Target()
		auto = fmt.Sprintf("%s (%s)", u, g)
	}
	names := make([]string, 0, len(m.sessions))
	for _, s := range m.sessions {
		u, _ := s.Target()
		names = append(names, u)
	}
	sort.Strings(names)

	line := fmt.Sprintf("Autowatch: %s; subscriber slots: %d/%d",
		auto, len(names), m.cfg.MaxWatchedSubscribers)
	if len(names) > 0 {
		line += " (" + strings.Join(names, ", ") + ")"
	}
	return line
}
