// Package main is the entry point for the reward API server. It also runs
// the batch scheduler unless scheduler.enabled is false.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"realmkin-staking/internal/api"
	"realmkin-staking/internal/app"
	"realmkin-staking/internal/config"
	"realmkin-staking/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "config", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	app.SetupLogger(cfg.Log)

	log.Info().Str("environment", cfg.Environment).Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	if err := a.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	verifier, err := api.NewTokenVerifier(cfg.Auth.JWTPublicKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load JWT public key")
	}
	if !verifier.Configured() {
		log.Warn().Msg("auth.jwt_public_key is empty, user endpoints will reject every request")
	}

	handler := api.NewHandler(a.Staking, a.Claims, a.Unstake, a.Jobs, a.Pool, api.Environment{
		Name:                  cfg.Environment,
		Ledger:                a.LedgerMode(),
		SchedulerEnabled:      cfg.Scheduler.Enabled,
		AuthConfigured:        verifier.Configured(),
		CronSecretConfigured:  cfg.Auth.CronSecret != "",
		AdminSecretConfigured: cfg.Auth.AdminSecret != "",
	})

	server := api.New(api.Config{
		Debug:        cfg.Server.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		CronSecret:   cfg.Auth.CronSecret,
		AdminSecret:  cfg.Auth.AdminSecret,
	}, handler, verifier, a.Metrics)

	var runner *scheduler.Runner
	if cfg.Scheduler.Enabled {
		runner = scheduler.NewRunner(a.Jobs, a.Schedule())
		runner.Start(ctx)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("API server stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down API server")
	}
	if runner != nil {
		runner.Stop()
	}
	log.Info().Msg("Server stopped gracefully")
}
