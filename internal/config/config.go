// Package config loads the daemon configuration from defaults, an
// optional TOML/YAML file and SUMMA_-prefixed environment variables, in
// that priority order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/summa-ledger/summad/internal/core/account"
	"github.com/summa-ledger/summad/internal/events"
	"github.com/summa-ledger/summad/internal/ratelimit"
	"github.com/summa-ledger/summad/internal/server"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// Config is the complete daemon configuration.
type Config struct {
	// Ledger identifies the default tenant served when requests carry no
	// X-Ledger-Id header.
	LedgerID string `mapstructure:"ledger_id"`
	Currency string `mapstructure:"currency"`

	Database sqldb.Config  `mapstructure:"database"`
	Server   ServerConfig  `mapstructure:"server"`
	Redis    RedisConfig   `mapstructure:"redis"`
	Logging  LoggingConfig `mapstructure:"logging"`

	SystemAccounts account.SystemAccounts `mapstructure:"system_accounts"`
	Advanced       AdvancedConfig         `mapstructure:"advanced"`
	RateLimit      RateLimitConfig        `mapstructure:"rate_limit"`
	Outbox         events.ProcessorConfig `mapstructure:"outbox"`
	Workers        WorkersConfig          `mapstructure:"workers"`

	configPath string
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TrustedOrigins  []string      `mapstructure:"trusted_origins"`
	AdminKey        string        `mapstructure:"admin_key"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig is optional; when Addr is empty no Redis client is built.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig selects the zap profile.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// AdvancedConfig carries the knobs most deployments never touch.
type AdvancedConfig struct {
	// HMACSecret signs balance version checksums. Empty disables signing.
	HMACSecret string `mapstructure:"hmac_secret"`
	// LockMode is wait, nowait or optimistic.
	LockMode               string `mapstructure:"lock_mode"`
	UseDenormalizedBalance bool   `mapstructure:"use_denormalized_balance"`
	MaxConflictRetries     int    `mapstructure:"max_conflict_retries"`
	IdempotencyTTLHours    int    `mapstructure:"idempotency_ttl_hours"`
	DefaultHoldMinutes     int    `mapstructure:"default_hold_minutes"`
	// HotAccounts lists system holder ids whose entries are staged and
	// coalesced instead of bumping the version row per transaction.
	HotAccounts []string `mapstructure:"hot_accounts"`
}

// RateLimitConfig selects the limiter backend.
type RateLimitConfig struct {
	// Backend is memory, database or redis. Empty disables limiting.
	Backend string        `mapstructure:"backend"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

// Limiter converts to the ratelimit package's config.
func (r RateLimitConfig) Limiter() ratelimit.Config {
	return ratelimit.Config{Limit: r.Limit, Window: r.Window}
}

// WorkersConfig schedules the background loops. Intervals use the
// trailing-unit shorthand (30s, 1m, 6h, 1d).
type WorkersConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	OutboxInterval       string `mapstructure:"outbox_interval"`
	OutboxConcurrency    int    `mapstructure:"outbox_concurrency"`
	WebhookInterval      string `mapstructure:"webhook_interval"`
	HoldExpiryInterval   string `mapstructure:"hold_expiry_interval"`
	HotCoalesceInterval  string `mapstructure:"hot_coalesce_interval"`
	BlockInterval        string `mapstructure:"block_interval"`
	CleanupInterval      string `mapstructure:"cleanup_interval"`
	ReconcileDaily       string `mapstructure:"reconcile_daily"`
	ReconcileFast        string `mapstructure:"reconcile_fast"`
}

// ServerOptions converts to the server package's config.
func (c *Config) ServerOptions() (server.Config, error) {
	ledgerID, err := c.DefaultLedgerID()
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		TrustedOrigins:  c.Server.TrustedOrigins,
		AdminKey:        c.Server.AdminKey,
		DefaultLedgerID: ledgerID,
	}, nil
}

// DefaultLedgerID parses the configured ledger id.
func (c *Config) DefaultLedgerID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.LedgerID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ledger_id %q is not a UUID: %w", c.LedgerID, err)
	}
	return id, nil
}

// ConfigPath reports where the file configuration was read from, empty
// when running on defaults and environment only.
func (c *Config) ConfigPath() string { return c.configPath }

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("SUMMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.configPath = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if _, err := c.DefaultLedgerID(); err != nil {
		return err
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	switch c.Advanced.LockMode {
	case "", "wait", "nowait", "optimistic":
	default:
		return fmt.Errorf("advanced.lock_mode must be wait, nowait or optimistic, got %q", c.Advanced.LockMode)
	}
	switch c.RateLimit.Backend {
	case "", "memory", "database", "redis":
	default:
		return fmt.Errorf("rate_limit.backend must be memory, database or redis, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("rate_limit.backend redis requires redis.addr")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	return nil
}
