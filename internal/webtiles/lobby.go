package webtiles

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/beembot/beem/internal/beemerr"
	"github.com/beembot/beem/internal/config"
	"github.com/beembot/beem/internal/metrics"
)

const (
	lobbyReconnectDelay = 1 * time.Second
	// loginTimeout bounds the login handshake on both the lobby and game
	// sockets.
	loginTimeout = 10 * time.Second
)

// LobbyEntry is one running game as last reported by the lobby feed.
type LobbyEntry struct {
	Username       string
	GameID         string
	SpectatorCount int
	IdleTime       float64
	TimeLastUpdate time.Time
}

// EffectiveIdle is the game's reported idle time extrapolated to now.
func (e LobbyEntry) EffectiveIdle(now time.Time) float64 {
	return e.IdleTime + now.Sub(e.TimeLastUpdate).Seconds()
}

// Lobby maintains a live table of running games from the server's lobby
// socket. The watch scheduler reads it each tick.
type Lobby struct {
	cfg *config.WebTilesConfig
	met *metrics.Metrics
	log *slog.Logger

	mu       sync.Mutex
	entries  map[int]*LobbyEntry
	complete bool

	now func() time.Time
}

func NewLobby(cfg *config.WebTilesConfig, met *metrics.Metrics, log *slog.Logger) *Lobby {
	return &Lobby{
		cfg:     cfg,
		met:     met,
		log:     log.With("component", "lobby"),
		entries: make(map[int]*LobbyEntry),
		now:     time.Now,
	}
}

// Complete reports whether the initial lobby snapshot has been fully
// delivered on the current connection.
func (l *Lobby) Complete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.complete
}

// Entries returns a copy of the current lobby table.
func (l *Lobby) Entries() []LobbyEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LobbyEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	return out
}

// Entry finds the live entry for a (username, game_id) pair.
func (l *Lobby) Entry(username, gameID string) (LobbyEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.EqualFold(e.Username, username) && e.GameID == gameID {
			return *e, true
		}
	}
	return LobbyEntry{}, false
}

// Run keeps the lobby socket connected until the context is cancelled. A
// rejected login is fatal; read errors reconnect after a short delay.
func (l *Lobby) Run(ctx context.Context) error {
	for {
		err := l.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, beemerr.ErrAuthFailed) {
			return err
		}

		l.log.Error("connection lost", "error", err)
		l.met.Reconnects.WithLabelValues("lobby").Inc()
		select {
		case <-time.After(lobbyReconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Lobby) runConn(ctx context.Context) error {
	l.clear()

	l.log.Info("connecting", "url", l.cfg.ServerURL)
	conn, err := Dial(ctx, l.cfg.ServerURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.Send(loginMessage(l.cfg)); err != nil {
		return err
	}

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

	// ReadMessages blocks, so the login deadline is enforced from a ticker
	// rather than between reads.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	loggedIn := false
	loginDeadline := l.now().Add(loginTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if !loggedIn && l.now().After(loginDeadline) {
				return errors.Wrap(beemerr.ErrConnectFailed, "login timed out")
			}

		case r := <-reads:
			if r.err != nil {
				return r.err
			}
			for _, msg := range r.msgs {
				switch msg.Msg {
				case "ping":
					if err := conn.Send(map[string]string{"msg": "pong"}); err != nil {
						return err
					}

				case "login_success":
					loggedIn = true
					l.log.Info("logged in", "username", l.cfg.Username)

				case "login_fail":
					return errors.Wrapf(beemerr.ErrAuthFailed, "lobby login rejected: %s", msg.Reason)

				case "lobby_entry":
					l.applyEntry(msg)

				case "lobby_remove":
					l.remove(msg.ID)

				case "lobby_clear":
					l.clear()

				case "lobby_complete":
					l.setComplete()
				}
			}
		}
	}
}

func loginMessage(cfg *config.WebTilesConfig) map[string]string {
	return map[string]string{
		"msg":      "login",
		"username": cfg.Username,
		"password": cfg.Password,
	}
}

func (l *Lobby) applyEntry(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[msg.ID] = &LobbyEntry{
		Username:       msg.Username,
		GameID:         msg.GameID,
		SpectatorCount: msg.SpectatorCount,
		IdleTime:       msg.IdleTime,
		TimeLastUpdate: l.now(),
	}
}

func (l *Lobby) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
}

func (l *Lobby) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[int]*LobbyEntry)
	l.complete = false
}

func (l *Lobby) setComplete() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.complete = true
}
