// Package config loads the engine configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/milestonepay/engine/internal/keyvault"
	"github.com/milestonepay/engine/pkg/logger"
)

// Config is the full engine configuration.
type Config struct {
	Log        LogConfig
	HTTP       HTTPConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Vault      VaultConfig
	Relay      RelayConfig
	Chain      ChainConfig
	Settlement SettlementConfig
	Sweeper    SweeperConfig
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

type HTTPConfig struct {
	ListenAddr string `env:"HTTP_LISTEN_ADDR,default=:8080"`
	JWTSecret  string `env:"JWT_SECRET"`
	// APIKeys is a comma-separated list of accepted static keys.
	APIKeys []string `env:"API_KEYS"`
}

type DatabaseConfig struct {
	// URL selects the postgres store; when empty the engine runs on the
	// in-memory store.
	URL string `env:"DATABASE_URL"`
}

type RedisConfig struct {
	// Addr enables the payout idempotency fast-path cache when set.
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

type VaultConfig struct {
	// EncryptionKey is hex or base64, 32 bytes decoded. There is no
	// generated fallback: a missing or malformed key aborts startup.
	EncryptionKey string `env:"VAULT_ENCRYPTION_KEY,required"`
}

type RelayConfig struct {
	URL               string        `env:"RELAY_URL,default=http://localhost:4337"`
	Timeout           time.Duration `env:"RELAY_TIMEOUT,default=15s"`
	RequestsPerSecond float64       `env:"RELAY_RATE_LIMIT,default=10"`
	MaxRetries        int           `env:"RELAY_MAX_RETRIES,default=3"`
	Paymaster         string        `env:"RELAY_PAYMASTER"`
}

type ChainConfig struct {
	RPCURL        string        `env:"CHAIN_RPC_URL,default=http://localhost:8545"`
	Timeout       time.Duration `env:"CHAIN_TIMEOUT,default=15s"`
	OperatorKey   string        `env:"CHAIN_OPERATOR_KEY"`
	AddressesPath string        `env:"CHAIN_ADDRESSES_PATH,default=config/contracts.yaml"`
}

type SettlementConfig struct {
	ForegroundTimeout time.Duration `env:"SETTLEMENT_FOREGROUND_TIMEOUT,default=60s"`
	BackgroundTimeout time.Duration `env:"SETTLEMENT_BACKGROUND_TIMEOUT,default=5m"`
	PollInterval      time.Duration `env:"SETTLEMENT_POLL_INTERVAL,default=2s"`
}

type SweeperConfig struct {
	Schedule string `env:"SWEEPER_SCHEDULE,default=@every 1m"`
}

// Load reads .env if present, decodes the environment, and validates the
// vault key up front so a misconfigured deployment fails before serving.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if _, err := keyvault.ParseKey(cfg.Vault.EncryptionKey); err != nil {
		return Config{}, fmt.Errorf("VAULT_ENCRYPTION_KEY: %w", err)
	}
	return cfg, nil
}

// LoggingConfig adapts the log section to the logger's config type.
func (c Config) LoggingConfig(name string) logger.LoggingConfig {
	return logger.LoggingConfig{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Name:   name,
	}
}
