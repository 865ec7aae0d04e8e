// Package app wires configuration, storage, the ledger client and the
// reward services into one object shared by the binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"realmkin-staking/internal/clock"
	"realmkin-staking/internal/config"
	"realmkin-staking/internal/ledger"
	"realmkin-staking/internal/metrics"
	"realmkin-staking/internal/pkg/db"
	"realmkin-staking/internal/rewards"
	"realmkin-staking/internal/scheduler"
	"realmkin-staking/internal/service"
)

// App holds every long-lived dependency.
type App struct {
	Config  *config.Config
	Pool    *db.Pool
	Ledger  ledger.Ledger
	Metrics *metrics.Metrics
	Clock   clock.Clock

	Staking    *service.StakingService
	Claims     *service.ClaimService
	Settlement *service.SettlementService
	Unstake    *service.UnstakeService
	Jobs       *scheduler.Jobs
}

// SetupLogger configures the global zerolog logger.
func SetupLogger(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// New connects to the database and the ledger and builds the services.
// The caller must Close the returned App.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	rates, err := rewards.NewRateTable(cfg.Rewards.APY, cfg.Rewards.Weights, cfg.Rewards.Penalties)
	if err != nil {
		return nil, fmt.Errorf("invalid rate table: %w", err)
	}

	pool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	l, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	a := &App{
		Config:  cfg,
		Pool:    pool,
		Ledger:  l,
		Metrics: metrics.New(),
		Clock:   clock.New(),
	}
	a.build(rates)
	return a, nil
}

func (a *App) build(rates *rewards.RateTable) {
	cfg := a.Config
	calc := rewards.NewCalculator(rates)
	minClaim := cfg.Rewards.MinClaim()

	nftPolicy := rewards.NFTPolicy(minClaim, cfg.Rewards.NFT.ClaimCadence)
	stakePolicy := rewards.StakePolicy(minClaim, cfg.Rewards.Stake.ClaimCadence)

	retry := service.DefaultRetryConfig()
	if cfg.Ledger.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Ledger.MaxAttempts
	}

	a.Staking = service.NewStakingService(a.Pool, calc, a.Ledger, a.Clock, a.Metrics, decimal.NewFromFloat(cfg.Rewards.NFT.WeeklyRate))
	a.Claims = service.NewClaimService(a.Pool, calc, nftPolicy, stakePolicy, a.Clock, a.Metrics)
	a.Settlement = service.NewSettlementService(a.Pool, a.Ledger, []rewards.ClaimPolicy{nftPolicy, stakePolicy}, retry, a.Clock, a.Metrics)
	a.Unstake = service.NewUnstakeService(a.Pool, calc, a.Ledger, a.Clock, a.Metrics)

	driver := scheduler.NewDriver(cfg.Scheduler.BatchSize, cfg.Scheduler.Concurrency, a.Clock, a.Metrics)
	a.Jobs = scheduler.NewJobs(driver, a.Staking, a.Claims, a.Settlement, a.Staking)
}

// Migrate applies the schema.
func (a *App) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, a.Pool)
}

// Schedule returns the configured job intervals.
func (a *App) Schedule() scheduler.Schedule {
	s := a.Config.Scheduler
	return scheduler.Schedule{
		StakeAccrual: s.AccrualInterval,
		NFTClaims:    s.NFTClaimInterval,
		Settlement:   s.SettlementInterval,
		Metrics:      s.MetricsInterval,
	}
}

// LedgerMode names the ledger backend for status output.
func (a *App) LedgerMode() string {
	if _, ok := a.Ledger.(*ledger.DryRun); ok {
		return "dry-run"
	}
	return "evm"
}

// Close releases the ledger and database connections.
func (a *App) Close() {
	a.Ledger.Close()
	a.Pool.Close()
}
