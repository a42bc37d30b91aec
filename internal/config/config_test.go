package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, defaultLedgerID, cfg.LedgerID)
	require.Equal(t, "USD", cfg.Currency)
	require.Equal(t, "localhost", cfg.Database.Host)
	require.Equal(t, 5432, cfg.Database.Port)
	require.Equal(t, "summa", cfg.Database.Schema)
	require.Equal(t, "0.0.0.0:3000", cfg.Server.Addr())
	require.Equal(t, "memory", cfg.RateLimit.Backend)
	require.Equal(t, 100, cfg.RateLimit.Limit)
	require.Equal(t, time.Minute, cfg.RateLimit.Window)
	require.True(t, cfg.Workers.Enabled)
	require.Equal(t, "@world", cfg.SystemAccounts.World)
	require.Equal(t, "wait", cfg.Advanced.LockMode)
	require.Empty(t, cfg.ConfigPath())

	id, err := cfg.DefaultLedgerID()
	require.NoError(t, err)
	require.Equal(t, defaultLedgerID, id.String())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/no/such/summa.yaml")
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
currency: EUR
server:
  port: 8080
advanced:
  lock_mode: optimistic
  hot_accounts:
    - "@world"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "EUR", cfg.Currency)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "optimistic", cfg.Advanced.LockMode)
	require.Equal(t, []string{"@world"}, cfg.Advanced.HotAccounts)
	require.Equal(t, path, cfg.ConfigPath())

	// Untouched sections keep their defaults.
	require.Equal(t, "localhost", cfg.Database.Host)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SUMMA_CURRENCY", "GBP")
	t.Setenv("SUMMA_DATABASE_HOST", "db.internal")
	t.Setenv("SUMMA_RATE_LIMIT_BACKEND", "database")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "GBP", cfg.Currency)
	require.Equal(t, "db.internal", cfg.Database.Host)
	require.Equal(t, "database", cfg.RateLimit.Backend)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.LedgerID = "not-a-uuid"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Database.Host = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Advanced.LockMode = "spin"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.RateLimit.Backend = "etcd"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.RateLimit.Backend = "redis"
	cfg.Redis.Addr = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Server.Port = 70000
	require.Error(t, cfg.Validate())
}

func TestServerOptions(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Server.TrustedOrigins = []string{"https://app.example.com"}
	cfg.Server.AdminKey = "sesame"

	opts, err := cfg.ServerOptions()
	require.NoError(t, err)
	require.Equal(t, []string{"https://app.example.com"}, opts.TrustedOrigins)
	require.Equal(t, "sesame", opts.AdminKey)
	require.Equal(t, defaultLedgerID, opts.DefaultLedgerID.String())
}
