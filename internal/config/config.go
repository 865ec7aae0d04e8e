// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Log         LogConfig       `mapstructure:"log"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Rewards     RewardsConfig   `mapstructure:"rewards"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Ledger      LedgerConfig    `mapstructure:"ledger"`
	Bot         BotConfig       `mapstructure:"bot"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Debug        bool          `mapstructure:"debug"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// LogConfig controls the global zerolog logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// AuthConfig holds the credentials used by the HTTP layer.
type AuthConfig struct {
	// JWTPublicKey is an RSA public key in PEM format used to verify user sessions.
	JWTPublicKey string `mapstructure:"jwt_public_key"`
	// CronSecret protects the batch trigger endpoints.
	CronSecret string `mapstructure:"cron_secret"`
	// AdminSecret protects the force-claim endpoint. It must differ from CronSecret.
	AdminSecret string `mapstructure:"admin_secret"`
}

// RewardsConfig holds the rate tables and claim policies.
// Table keys are lock period identifiers: flexible, 30, 60, 90.
type RewardsConfig struct {
	APY            map[string]float64 `mapstructure:"apy"`
	Weights        map[string]float64 `mapstructure:"weights"`
	Penalties      map[string]float64 `mapstructure:"penalties"`
	MinClaimAmount float64            `mapstructure:"min_claim_amount"`
	NFT            NFTStreamConfig    `mapstructure:"nft"`
	Stake          StakeStreamConfig  `mapstructure:"stake"`
}

// NFTStreamConfig holds the NFT-holding reward stream policy.
type NFTStreamConfig struct {
	WeeklyRate   float64       `mapstructure:"weekly_rate"`
	ClaimCadence time.Duration `mapstructure:"claim_cadence"`
}

// StakeStreamConfig holds the stake reward stream policy.
type StakeStreamConfig struct {
	ClaimCadence time.Duration `mapstructure:"claim_cadence"`
}

// SchedulerConfig holds batch driver configuration.
type SchedulerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	BatchSize          int           `mapstructure:"batch_size"`
	Concurrency        int           `mapstructure:"concurrency"`
	AccrualInterval    time.Duration `mapstructure:"accrual_interval"`
	NFTClaimInterval   time.Duration `mapstructure:"nft_claim_interval"`
	SettlementInterval time.Duration `mapstructure:"settlement_interval"`
	MetricsInterval    time.Duration `mapstructure:"metrics_interval"`
}

// LedgerConfig holds the token ledger (EVM RPC) configuration.
type LedgerConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	ChainID           int64         `mapstructure:"chain_id"`
	TokenAddress      string        `mapstructure:"token_address"`
	TokenDecimals     int32         `mapstructure:"token_decimals"`
	TreasuryKey       string        `mapstructure:"treasury_key"`
	Confirmations     int           `mapstructure:"confirmations"`
	ConfirmTimeout    time.Duration `mapstructure:"confirm_timeout"`
	MinGasBalance     string        `mapstructure:"min_gas_balance"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

// BotConfig holds the operator Telegram bot configuration.
type BotConfig struct {
	Token    string  `mapstructure:"token"`
	AdminIDs []int64 `mapstructure:"admin_ids"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslMode,
	)
}

// MinClaim returns the minimum claim amount as a decimal.
func (r *RewardsConfig) MinClaim() decimal.Decimal {
	return decimal.NewFromFloat(r.MinClaimAmount)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory. A .env file in the
// working directory, if present, is loaded into the environment first.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// e.g. DATABASE_HOST, LEDGER_RPC_URL, AUTH_CRON_SECRET
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants that viper cannot express.
func (c *Config) Validate() error {
	if c.Auth.CronSecret != "" && c.Auth.CronSecret == c.Auth.AdminSecret {
		return fmt.Errorf("auth.admin_secret must differ from auth.cron_secret")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be positive")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be positive")
	}
	if c.Rewards.MinClaimAmount < 0 {
		return fmt.Errorf("rewards.min_claim_amount must not be negative")
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "realmkin")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "realmkin")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	// Secrets have empty defaults so that AutomaticEnv can bind them.
	v.SetDefault("auth.jwt_public_key", "")
	v.SetDefault("auth.cron_secret", "")
	v.SetDefault("auth.admin_secret", "")

	v.SetDefault("rewards.apy", map[string]float64{"flexible": 5, "30": 12, "60": 15, "90": 20})
	v.SetDefault("rewards.weights", map[string]float64{"flexible": 1.0, "30": 1.25, "60": 1.35, "90": 1.5})
	v.SetDefault("rewards.penalties", map[string]float64{"flexible": 0, "30": 10, "60": 15, "90": 20})
	v.SetDefault("rewards.min_claim_amount", 1)
	v.SetDefault("rewards.nft.weekly_rate", 200)
	v.SetDefault("rewards.nft.claim_cadence", "168h")
	v.SetDefault("rewards.stake.claim_cadence", "24h")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.batch_size", 20)
	v.SetDefault("scheduler.concurrency", 20)
	v.SetDefault("scheduler.accrual_interval", "24h")
	v.SetDefault("scheduler.nft_claim_interval", "24h")
	v.SetDefault("scheduler.settlement_interval", "1m")
	v.SetDefault("scheduler.metrics_interval", "1h")

	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.token_address", "")
	v.SetDefault("ledger.treasury_key", "")
	v.SetDefault("ledger.chain_id", 8453)
	v.SetDefault("ledger.token_decimals", 6)
	v.SetDefault("ledger.confirmations", 2)
	v.SetDefault("ledger.confirm_timeout", "2m")
	v.SetDefault("ledger.min_gas_balance", "1000000000000000")
	v.SetDefault("ledger.requests_per_second", 10)
	v.SetDefault("ledger.max_attempts", 5)

	v.SetDefault("bot.token", "")
	v.SetDefault("bot.admin_ids", []int64{})
}

// IsAdmin checks if a Telegram user ID is in the operator list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Bot.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
