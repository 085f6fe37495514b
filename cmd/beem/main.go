// beem watches DCSS WebTiles games and Twitch streams, relaying
// knowledge-bot queries from their chats to the bots on the DCSS IRC
// network and routing the answers back.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/beembot/beem/internal/config"
	"github.com/beembot/beem/internal/version"
	"github.com/beembot/beem/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "beem",
		Short:        "DCSS knowledge-bot relay for WebTiles and Twitch chat",
		Version:      version.String(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./beem_config.toml",
		"path to the configuration file")
	return cmd
}

func run(configPath string) error {
	// Credentials referenced from the config can live in a .env file.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	closer, err := config.SetupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	log := slog.Default()
	log.Info("starting beem", "version", version.String())

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals()...)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
		cancel()
		<-errCh
		if isTerminate(sig) {
			// A terminate signal reports abnormal shutdown to the
			// supervisor.
			return errors.Errorf("terminated by %s", sig)
		}
		return nil

	case err := <-errCh:
		if err != nil {
			log.Error("exiting", "error", err)
		}
		return err
	}
}
