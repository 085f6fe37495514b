package webtiles

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/beembot/beem/internal/beemerr"
	"github.com/beembot/beem/internal/chat"
	"github.com/beembot/beem/internal/config"
	"github.com/beembot/beem/store"
)

// Session-terminal conditions surfaced out of the message pump.
var (
	errGameEnded = errors.New("game ended")
	errRewatch   = errors.New("rewatch requested")
)

type watchTarget struct {
	username string
	gameID   string
}

// GameSession watches one game: it owns the websocket, performs the
// login/watch handshake, surfaces chat to the command engine, and detects
// game end. It is the WebTiles chat.Source implementation.
type GameSession struct {
	m   *Manager
	sid string
	log *slog.Logger

	mu           sync.Mutex
	target       watchTarget
	conn         *Conn
	watching     bool
	spectators   []string
	needGreeting bool
	lastReminder time.Time

	window    *chat.Window
	rewatchCh chan watchTarget
	cancel    context.CancelFunc
	done      chan struct{}

	now func() time.Time
}

func newGameSession(m *Manager, username, gameID string) *GameSession {
	sid := shortuuid.New()
	return &GameSession{
		m:      m,
		sid:    sid,
		log:    m.log.With("session", sid, "game_user", username),
		target: watchTarget{username: username, gameID: gameID},
		window: chat.NewWindow(
			config.Seconds(m.cfg.CommandPeriod), m.cfg.CommandLimit),
		rewatchCh: make(chan watchTarget, 1),
		cancel:    func() {},
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// start launches the session's run loop under the manager's context.
func (s *GameSession) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop tears the session down. Idempotent; safe from any goroutine.
func (s *GameSession) Stop() {
	s.cancel()
}

// Done is closed when the run loop has fully exited.
func (s *GameSession) Done() <-chan struct{} {
	return s.done
}

// Rewatch retargets the session at another game. Only the autowatch slot
// uses this; a pending retarget is replaced, not queued.
func (s *GameSession) Rewatch(username, gameID string) {
	select {
	case <-s.rewatchCh:
	default:
	}
	s.rewatchCh <- watchTarget{username: username, gameID: gameID}
}

// Target returns the game the session is (re)connecting to or watching.
func (s *GameSession) Target() (username, gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target.username, s.target.gameID
}

// Watching reports whether watching_started has been seen on the current
// connection.
func (s *GameSession) Watching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watching
}

func (s *GameSession) run(ctx context.Context) {
	defer close(s.done)
	for {
		target := s.loadTarget()
		err := s.watchOnce(ctx, target)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, errRewatch):
			continue
		case errors.Is(err, beemerr.ErrAuthFailed):
			s.m.fatal(err)
			return
		case errors.Is(err, errGameEnded):
			s.log.Info("game over", "game_id", target.gameID)
			return
		default:
			s.log.Info("session ended", "game_id", target.gameID, "error", err)
			return
		}
	}
}

func (s *GameSession) loadTarget() watchTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watching = false
	s.spectators = nil
	s.needGreeting = s.m.cfg.GreetingText != "" && !s.m.isSubscriber(s.target.username)
	return s.target
}

type readResult struct {
	msgs []Message
	err  error
}

// watchOnce runs one connection: login, watch request, then the message
// pump until the game ends, a rewatch arrives, or the connection drops.
func (s *GameSession) watchOnce(ctx context.Context, target watchTarget) error {
	conn, err := Dial(ctx, s.m.cfg.ServerURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if err := conn.Send(loginMessage(s.m.cfg)); err != nil {
		return err
	}
	requestTime := s.now()

	reads := make(chan readResult, 1)
	go func() {
		for {
			msgs, err := conn.ReadMessages()
			select {
			case reads <- readResult{msgs, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case newTarget := <-s.rewatchCh:
			s.mu.Lock()
			s.target = newTarget
			s.mu.Unlock()
			s.log.Info("rewatching", "game_user", newTarget.username, "game_id", newTarget.gameID)
			return errRewatch

		case <-ticker.C:
			if !s.Watching() && s.now().Sub(requestTime) >= loginTimeout {
				return errors.Wrap(beemerr.ErrConnectFailed, "watch handshake timed out")
			}
			s.maybeSendReminder(ctx)

		case r := <-reads:
			if r.err != nil {
				return r.err
			}
			for _, msg := range r.msgs {
				if err := s.handleMessage(ctx, conn, target, msg); err != nil {
					return err
				}
			}
		}
	}
}

func (s *GameSession) handleMessage(ctx context.Context, conn *Conn, target watchTarget, msg Message) error {
	switch msg.Msg {
	case "ping":
		return conn.Send(map[string]string{"msg": "pong"})

	case "login_success":
		s.log.Debug("logged in, requesting watch")
		return conn.Send(map[string]string{"msg": "watch", "username": target.username})

	case "login_fail":
		return errors.Wrapf(beemerr.ErrAuthFailed, "login rejected: %s", msg.Reason)

	case "watching_started":
		s.mu.Lock()
		s.watching = true
		greet := s.needGreeting
		s.needGreeting = false
		s.mu.Unlock()
		s.log.Info("watching", "game_id", target.gameID)
		if greet {
			text := strings.ReplaceAll(s.m.cfg.GreetingText, "%n", s.m.cfg.Username)
			return s.SendChat(ctx, text, chat.KindNormal)
		}

	case "update_spectators":
		s.setSpectators(msg.Names)

	case "chat":
		sender, text, err := parseChat(msg.Content)
		if err != nil {
			s.log.Warn("bad chat message", "error", err)
			return nil
		}
		s.m.met.ChatMessages.WithLabelValues(store.ServiceWebTiles, "in").Inc()
		s.m.engine.ProcessMessage(ctx, s, sender, text)

	case "dump":
		s.forwardDump(ctx, target.username, msg.URL)

	case "game_ended":
		if s.Watching() {
			return errGameEnded
		}

	case "go_lobby":
		if s.Watching() {
			return errGameEnded
		}

	case "go":
		if msg.Path == "/" && s.Watching() {
			return errGameEnded
		}
	}
	return nil
}

var spanTagRe = regexp.MustCompile(`</?(?:a|span)[^>]*>`)

func (s *GameSession) setSpectators(names string) {
	plain := spanTagRe.ReplaceAllString(names, "")
	var specs []string
	for _, name := range strings.Split(plain, ", ") {
		name = strings.TrimSpace(name)
		if name != "" && !strings.EqualFold(name, s.m.cfg.Username) {
			specs = append(specs, name)
		}
	}
	s.mu.Lock()
	s.spectators = specs
	s.mu.Unlock()
}

// maybeSendReminder sends the periodic Twitch-channel reminder when the
// watched user has linked a channel and opted in.
func (s *GameSession) maybeSendReminder(ctx context.Context) {
	cfg := s.m.cfg
	if s.m.twitch == nil || cfg.TwitchReminderText == "" || cfg.TwitchReminderPeriod <= 0 || !s.Watching() {
		return
	}

	s.mu.Lock()
	due := s.now().Sub(s.lastReminder) >= config.Seconds(cfg.TwitchReminderPeriod)
	username := s.target.username
	// Someone besides the player has to be listening.
	audience := len(s.spectators) > 0 &&
		!(len(s.spectators) == 1 && strings.EqualFold(s.spectators[0], username))
	s.mu.Unlock()
	if !due || !audience {
		return
	}

	row, ok := s.m.db.User(store.ServiceWebTiles, username)
	if !ok || row.Int("twitch_reminder") != 1 || row.Str("twitch_username") == "" {
		return
	}

	s.mu.Lock()
	s.lastReminder = s.now()
	s.mu.Unlock()

	text := reminderText(cfg.TwitchReminderText, username, row.Str("twitch_username"))
	if err := s.SendChat(ctx, text, chat.KindNormal); err != nil {
		s.log.Info("reminder not sent", "error", err)
	}
}

// reminderText expands %us (possessive username), %u (username) and %t
// (twitch name). %us goes first so %u doesn't eat its prefix.
func reminderText(template, username, twitchName string) string {
	possessive := username + "'s"
	if strings.HasSuffix(username, "s") || strings.HasSuffix(username, "S") {
		possessive = username + "'"
	}
	text := strings.ReplaceAll(template, "%us", possessive)
	text = strings.ReplaceAll(text, "%u", username)
	return strings.ReplaceAll(text, "%t", twitchName)
}

// forwardDump relays a character dump link to the user's Twitch channel
// when one is linked.
func (s *GameSession) forwardDump(ctx context.Context, username, url string) {
	if s.m.twitch == nil || url == "" {
		return
	}
	row, ok := s.m.db.User(store.ServiceWebTiles, username)
	if !ok || row.Str("twitch_username") == "" {
		return
	}
	// The server sends the morgue path without the file extension.
	line := fmt.Sprintf("Char dump: %s.txt", url)
	if err := s.m.twitch.ForwardDump(ctx, row.Str("twitch_username"), line); err != nil {
		s.log.Info("dump not forwarded", "twitch_user", row.Str("twitch_username"), "error", err)
	}
}

// chat.Source implementation.

func (s *GameSession) Ident() chat.SourceIdent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chat.SourceIdent{
		Service: store.ServiceWebTiles,
		Name:    s.target.username,
		GameID:  s.target.gameID,
	}
}

func (s *GameSession) Describe() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%s's game (%s)", s.target.username, s.target.gameID)
}

// SendChat formats and transmits one chat line. Actions become the
// *name* form; anything that would read as a bot command gets the ]
// escape so other bots in the chat don't parse it.
func (s *GameSession) SendChat(ctx context.Context, message string, kind chat.MessageKind) error {
	message = formatOutbound(s.m.cfg.Username, message, kind)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.Wrap(beemerr.ErrWriteFailed, "not connected")
	}

	err := conn.Send(map[string]string{"msg": "chat_msg", "text": message})
	if err != nil {
		// A dead socket means the session is done; the scheduler
		// recovers from the queue.
		s.Stop()
		return err
	}
	s.m.met.ChatMessages.WithLabelValues(store.ServiceWebTiles, "out").Inc()
	return nil
}

func formatOutbound(login, message string, kind chat.MessageKind) string {
	switch {
	case kind == chat.KindAction:
		return fmt.Sprintf("*%s* %s", login, message)
	case strings.HasPrefix(message, chat.CommandPrefix):
		return "]" + message
	}
	return message
}

func (s *GameSession) WatchedUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target.username
}

func (s *GameSession) DCSSNick(user string) string {
	if row, ok := s.m.db.User(store.ServiceWebTiles, user); ok && row.Str("nick") != "" {
		return row.Str("nick")
	}
	return user
}

func (s *GameSession) ChatDCSSNicks(requester string) []string {
	s.mu.Lock()
	specs := append([]string(nil), s.spectators...)
	s.mu.Unlock()

	var out []string
	for _, name := range specs {
		if !strings.EqualFold(name, requester) {
			out = append(out, s.DCSSNick(name))
		}
	}
	return out
}

func (s *GameSession) IsBotChannel() bool { return false }

func (s *GameSession) AllowSender(sender string) bool { return true }

// AllowQuery enforces player-only mode: when the watched user has set it,
// only they (and admins) may issue knowledge-bot queries in their chat.
func (s *GameSession) AllowQuery(sender string) bool {
	username := s.WatchedUser()
	row, ok := s.m.db.User(store.ServiceWebTiles, username)
	if !ok || row.Int("player_only") != 1 {
		return true
	}
	return strings.EqualFold(sender, username) || s.m.cfg.IsAdmin(sender)
}

func (s *GameSession) CommandWindow() *chat.Window { return s.window }
