// Package server wires the beem services together: the user store, the
// knowledge-bot query router, and the optional WebTiles, Twitch and status
// listeners. It owns their lifecycle.
package server

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/beembot/beem/internal/chat"
	"github.com/beembot/beem/internal/config"
	"github.com/beembot/beem/internal/dcss"
	"github.com/beembot/beem/internal/metrics"
	"github.com/beembot/beem/internal/twitch"
	"github.com/beembot/beem/internal/webtiles"
	"github.com/beembot/beem/store"
	"github.com/beembot/beem/store/db/sqlite"
)

// Server holds the shared infrastructure and the per-service managers.
// A nil manager means the service is disabled in the configuration.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	store    *store.Store
	met      *metrics.Metrics
	registry *chat.Registry
	router   *dcss.Router
	twitch   *twitch.Manager
	webtiles *webtiles.Manager
	status   *metrics.StatusServer
}

// New builds every enabled component and registers the chat services with
// the router's source registry.
func New(cfg *config.Config, log *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, log: log}

	driver, err := sqlite.NewDB(cfg.DBFile)
	if err != nil {
		return nil, err
	}
	s.store = store.New(driver,
		store.UserSchema(cfg.WebTiles != nil, cfg.Twitch != nil))
	db := store.UserDB{Store: s.store}

	s.met = metrics.New()
	s.registry = chat.NewRegistry()

	s.router, err = dcss.NewRouter(cfg.DCSS, s.registry, s.met, log)
	if err != nil {
		s.store.Close()
		return nil, err
	}

	if cfg.Twitch != nil {
		s.twitch = twitch.NewManager(cfg.Twitch, db, s.router, s.met, log)
		s.registry.Register(store.ServiceTwitch, s.twitch)
	}
	if cfg.WebTiles != nil {
		// The dump forwarder stays nil when Twitch is disabled.
		var dumps webtiles.DumpForwarder
		if s.twitch != nil {
			dumps = s.twitch
		}
		s.webtiles = webtiles.NewManager(cfg.WebTiles, db, s.router, dumps, s.met, log)
		s.registry.Register(store.ServiceWebTiles, s.webtiles)
	}
	if cfg.Status != nil {
		s.status = metrics.NewStatusServer(cfg.Status.ListenAddr, s.met, log)
	}
	return s, nil
}

// Run loads the user store and runs every enabled component until the
// context is cancelled or one of them fails fatally. The first failure
// cancels the rest; Wait blocks until they have all torn down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.store.Load(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.store.Close(); err != nil {
			s.log.Error("store close failed", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.router.Run(ctx) })
	if s.twitch != nil {
		g.Go(func() error { return s.twitch.Run(ctx) })
	}
	if s.webtiles != nil {
		g.Go(func() error { return s.webtiles.Run(ctx) })
	}
	if s.status != nil {
		g.Go(func() error { return s.status.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
