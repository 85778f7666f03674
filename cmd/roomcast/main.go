package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/beewhoo/roomcast/internal/config"
	"github.com/beewhoo/roomcast/internal/logging"
	"github.com/beewhoo/roomcast/internal/server"
	"github.com/beewhoo/roomcast/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not configured yet; stderr is all we have.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if !cfg.Enabled {
		logger.Info().Msg("Engine disabled by configuration, exiting")
		return
	}

	// The standalone binary runs against the in-memory store; hosts with
	// a real database embed internal/server directly and supply their
	// own store.Store.
	srv, err := server.New(cfg, server.Options{
		Store:  store.NewMemory(),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Shutdown error")
		}
	}
}
