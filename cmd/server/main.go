package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/credibill/server/internal/config"
	"github.com/credibill/server/internal/logger"
	"github.com/credibill/server/pkg/credibill"
)

var version = "dev"

func main() {
	// Best-effort .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("config.load_failed")
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Service:     "credibill-server",
		Version:     version,
		Environment: cfg.Log.Environment,
	})

	app, err := credibill.NewApp(cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("app.init_failed")
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("backend", cfg.Storage.Backend).
			Str("version", version).
			Msg("server.started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal().Err(err).Msg("server.listen_failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	appLogger.Info().Msg("server.shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("server.shutdown_failed")
	}

	if err := app.Close(); err != nil {
		appLogger.Error().Err(err).Msg("app.close_failed")
	}

	appLogger.Info().Msg("server.stopped")
}
