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
	"github.com/rs/zerolog"

	"github.com/CloakMarket/server/internal/config"
	"github.com/CloakMarket/server/internal/logger"
	"github.com/CloakMarket/server/pkg/cloak"
)

func main() {
	var (
		cfgPath = flag.String("config", os.Getenv("CLOAK_CONFIG"), "path to YAML config file (optional)")
		envPath = flag.String("env", ".env", "path to a dotenv file loaded before config (missing file is ignored)")
	)
	flag.Parse()

	// Dotenv is a local development convenience; production supplies
	// real environment variables.
	_ = godotenv.Load(*envPath)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("load config")
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "cloak-market",
		Environment: cfg.Logging.Environment,
	})

	app, err := cloak.NewApp(cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("assemble marketplace")
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
		Handler:      app.Handler(),
	}

	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("storage", cfg.Storage.Backend).
			Str("network", cfg.X402.Network).
			Msg("marketplace listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal().Err(err).Msg("http server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	appLogger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error().Err(err).Msg("http shutdown")
	}
	if err := app.Close(); err != nil {
		appLogger.Error().Err(err).Msg("close resources")
	}
}
