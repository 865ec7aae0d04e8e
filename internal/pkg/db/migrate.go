package db

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// migrations are applied in order; every statement is idempotent.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "user_rewards table",
		sql: `
		CREATE TABLE IF NOT EXISTS user_rewards (
			user_id               TEXT PRIMARY KEY,
			wallet_address        TEXT NOT NULL DEFAULT '',
			total_nfts            INTEGER NOT NULL DEFAULT 0 CHECK (total_nfts >= 0),
			weekly_rate           NUMERIC(38,6) NOT NULL DEFAULT 0,
			stake_rewards_pending NUMERIC(38,6) NOT NULL DEFAULT 0,
			total_earned          NUMERIC(38,6) NOT NULL DEFAULT 0,
			total_claimed         NUMERIC(38,6) NOT NULL DEFAULT 0,
			pending_rewards       NUMERIC(38,6) NOT NULL DEFAULT 0,
			total_realmkin        NUMERIC(38,6) NOT NULL DEFAULT 0,
			last_calculated       TIMESTAMPTZ,
			last_claimed          TIMESTAMPTZ,
			last_stake_claimed    TIMESTAMPTZ,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_user_rewards_nfts ON user_rewards(total_nfts) WHERE total_nfts > 0;
		`,
	},
	{
		name: "wallet_links table",
		sql: `
		CREATE TABLE IF NOT EXISTS wallet_links (
			wallet_address TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL REFERENCES user_rewards(user_id) ON DELETE CASCADE,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_wallet_links_user ON wallet_links(user_id);
		`,
	},
	{
		name: "stakes table",
		sql: `
		CREATE TABLE IF NOT EXISTS stakes (
			id                    TEXT PRIMARY KEY,
			user_id               TEXT NOT NULL REFERENCES user_rewards(user_id),
			wallet_address        TEXT NOT NULL,
			amount                NUMERIC(38,6) NOT NULL CHECK (amount > 0),
			lock_period           TEXT NOT NULL,
			start_date            TIMESTAMPTZ NOT NULL,
			unlock_date           TIMESTAMPTZ NOT NULL,
			status                TEXT NOT NULL DEFAULT 'active',
			rewards_earned        NUMERIC(38,6) NOT NULL DEFAULT 0,
			rewards_claimed       NUMERIC(38,6) NOT NULL DEFAULT 0,
			last_reward_update    TIMESTAMPTZ,
			deposit_tx            TEXT NOT NULL UNIQUE,
			unstake_requested_at  TIMESTAMPTZ,
			settlement_started_at TIMESTAMPTZ,
			penalty_amount        NUMERIC(38,6) NOT NULL DEFAULT 0,
			rewards_forfeited     NUMERIC(38,6) NOT NULL DEFAULT 0,
			withdrawal_tx         TEXT,
			completed_at          TIMESTAMPTZ,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_stakes_user ON stakes(user_id);
		CREATE INDEX IF NOT EXISTS idx_stakes_status ON stakes(status);
		`,
	},
	{
		name: "claim_records table",
		sql: `
		CREATE TABLE IF NOT EXISTS claim_records (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL REFERENCES user_rewards(user_id),
			wallet_address  TEXT NOT NULL,
			stream          TEXT NOT NULL,
			amount          NUMERIC(38,6) NOT NULL CHECK (amount > 0),
			source_count    INTEGER NOT NULL DEFAULT 0,
			periods_claimed INTEGER NOT NULL DEFAULT 0,
			claimed_at      TIMESTAMPTZ NOT NULL,
			transfer_status TEXT NOT NULL DEFAULT 'pending',
			tx_hash         TEXT,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			settled_at      TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_claim_records_user ON claim_records(user_id, claimed_at DESC);
		CREATE INDEX IF NOT EXISTS idx_claim_records_pending ON claim_records(id) WHERE transfer_status = 'pending';
		`,
	},
	{
		name: "meta_stats table",
		sql: `
		CREATE TABLE IF NOT EXISTS meta_stats (
			id                 TEXT PRIMARY KEY,
			total_value_locked NUMERIC(38,6) NOT NULL DEFAULT 0,
			active_stakes      BIGINT NOT NULL DEFAULT 0,
			total_stakers      BIGINT NOT NULL DEFAULT 0,
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		`,
	},
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db DBTX) error {
	log.Info().Msg("Running database migrations...")

	for i, m := range migrations {
		if _, err := db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", i+1, m.name, err)
		}
		log.Info().Int("step", i+1).Msg("Migration applied: " + m.name)
	}

	log.Info().Msg("All migrations completed successfully")
	return nil
}
