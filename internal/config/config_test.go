package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 20, cfg.Scheduler.BatchSize)
	assert.Equal(t, 168*time.Hour, cfg.Rewards.NFT.ClaimCadence)
	assert.Equal(t, 24*time.Hour, cfg.Rewards.Stake.ClaimCadence)
	assert.Equal(t, 20.0, cfg.Rewards.APY["90"])
	assert.Equal(t, 1.25, cfg.Rewards.Weights["30"])
	assert.Equal(t, 0.0, cfg.Rewards.Penalties["flexible"])
	assert.Equal(t, "1", cfg.Rewards.MinClaim().String())
	assert.Empty(t, cfg.Auth.CronSecret)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := writeConfig(t, `
scheduler:
  batch_size: 5
rewards:
  min_claim_amount: 2.5
  nft:
    weekly_rate: 10
bot:
  admin_ids: [11, 22]
`)
	t.Setenv("SCHEDULER_CONCURRENCY", "3")
	t.Setenv("AUTH_CRON_SECRET", "cron")
	t.Setenv("AUTH_ADMIN_SECRET", "admin")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Scheduler.BatchSize)
	assert.Equal(t, 3, cfg.Scheduler.Concurrency)
	assert.Equal(t, "2.5", cfg.Rewards.MinClaim().String())
	assert.Equal(t, 10.0, cfg.Rewards.NFT.WeeklyRate)
	assert.Equal(t, "cron", cfg.Auth.CronSecret)
	assert.Equal(t, "admin", cfg.Auth.AdminSecret)
	assert.True(t, cfg.IsAdmin(22))
	assert.False(t, cfg.IsAdmin(33))
}

func TestLoad_RejectsSharedSecret(t *testing.T) {
	t.Setenv("AUTH_CRON_SECRET", "same")
	t.Setenv("AUTH_ADMIN_SECRET", "same")

	_, err := Load(writeConfig(t, "environment: test\n"))
	assert.ErrorContains(t, err, "admin_secret must differ")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Auth:      AuthConfig{CronSecret: "a", AdminSecret: "b"},
			Scheduler: SchedulerConfig{BatchSize: 1, Concurrency: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"both secrets empty", func(c *Config) { c.Auth = AuthConfig{} }, ""},
		{"shared secret", func(c *Config) { c.Auth.AdminSecret = "a" }, "admin_secret"},
		{"zero batch size", func(c *Config) { c.Scheduler.BatchSize = 0 }, "batch_size"},
		{"zero concurrency", func(c *Config) { c.Scheduler.Concurrency = 0 }, "concurrency"},
		{"negative minimum", func(c *Config) { c.Rewards.MinClaimAmount = -1 }, "min_claim_amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "rewards"}
	assert.Equal(t, "postgres://u:p@db:5432/rewards?sslmode=disable", d.DSN())

	d.SSLMode = "require"
	assert.Equal(t, "postgres://u:p@db:5432/rewards?sslmode=require", d.DSN())
}
