package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/carauction/go/internal/auction/config"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg := loadConfig()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(cfg.LogLevel)

	settings, err := config.Load(cfg.SettingsPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.SettingsPath).Msg("failed to load auction settings")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := setupStorage(ctx, cfg.StoreDriver)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up store")
	}
	defer st.close()

	eventBus, closeBus, err := setupBus(ctx, cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up event bus")
	}
	defer closeBus()

	services, err := setupServices(cfg, settings, st, eventBus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up services")
	}
	server := setupServer(cfg.Port, services)

	log.Info().
		Str("instance", cfg.InstanceID).
		Str("store", cfg.StoreDriver).
		Str("port", cfg.Port).
		Dur("extension_window", settings.ExtensionWindow).
		Msg("starting car auction server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return services.Lifecycle.Run(gctx) })
	g.Go(func() error { return services.Broadcaster.Run(gctx) })
	g.Go(func() error { return services.Gateway.Start(gctx) })
	if services.Watcher != nil {
		g.Go(func() error { return services.Watcher.Start(gctx) })
	}
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
