package config

import "github.com/spf13/viper"

// The zero-UUID ledger is the development default; production deploys
// set ledger_id explicitly.
const defaultLedgerID = "00000000-0000-0000-0000-000000000001"

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger_id", defaultLedgerID)
	v.SetDefault("currency", "USD")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "summa")
	v.SetDefault("database.username", "summa")
	v.SetDefault("database.schema", "summa")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.default_timeout", "10s")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("system_accounts.world", "@world")
	v.SetDefault("system_accounts.fees", "@fees")
	v.SetDefault("system_accounts.suspense", "@suspense")

	v.SetDefault("advanced.lock_mode", "wait")
	v.SetDefault("advanced.use_denormalized_balance", false)
	v.SetDefault("advanced.max_conflict_retries", 3)
	v.SetDefault("advanced.idempotency_ttl_hours", 24)
	v.SetDefault("advanced.default_hold_minutes", 30)

	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.limit", 100)
	v.SetDefault("rate_limit.window", "1m")

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.retention_hours", 72)
	v.SetDefault("outbox.publish_timeout", "10s")

	v.SetDefault("workers.enabled", true)
	v.SetDefault("workers.outbox_interval", "5s")
	v.SetDefault("workers.outbox_concurrency", 1)
	v.SetDefault("workers.webhook_interval", "10s")
	v.SetDefault("workers.hold_expiry_interval", "1m")
	v.SetDefault("workers.hot_coalesce_interval", "10s")
	v.SetDefault("workers.block_interval", "1m")
	v.SetDefault("workers.cleanup_interval", "6h")
	v.SetDefault("workers.reconcile_daily", "1d")
	v.SetDefault("workers.reconcile_fast", "2h")
}
