// Package sqldb is the storage abstraction of summad: a thin layer over
// database/sql providing transactions with savepoint nesting, advisory
// locks and dialect helpers. All SQL in the ledger core runs through an
// Executor so the same statement text serves both pooled and
// transactional execution.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// Executor is the common query surface of *DB and *Tx.
type Executor interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Config holds connection settings for the ledger database.
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Schema          string        `mapstructure:"schema"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.Host == "" {
		return NewConfigurationError("validate", "database host is required", nil)
	}
	if c.Database == "" {
		return NewConfigurationError("validate", "database name is required", nil)
	}
	if c.Username == "" {
		return NewConfigurationError("validate", "database username is required", nil)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return NewConfigurationError("validate", fmt.Sprintf("invalid database port %d", c.Port), nil)
	}
	if c.MaxIdleConns > c.MaxOpenConns && c.MaxOpenConns > 0 {
		return NewConfigurationError("validate", "max idle connections cannot exceed max open connections", nil)
	}
	return nil
}

// ConnString builds the lib/pq connection string. The schema becomes the
// session search_path so table names stay unqualified in statements.
func (c *Config) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	schema := c.Schema
	if schema == "" {
		schema = "summa"
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s search_path=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, sslMode, schema,
	)
}

// DB wraps a pooled connection with the dialect and default timeout.
type DB struct {
	db      *sql.DB
	dialect Dialect
	cfg     *Config
	log     *zap.Logger
}

// Open connects to the database, configures the pool and verifies the
// connection.
func Open(ctx context.Context, cfg *Config, log *zap.Logger) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	sqlDB, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, NewConnectionError("open", "failed to open database connection", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, NewConnectionError("open", "failed to ping database", err)
	}

	return &DB{db: sqlDB, dialect: Postgres, cfg: cfg, log: log}, nil
}

func (c *Config) timeout() time.Duration {
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return 30 * time.Second
}

// Close closes the pool.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return NewConnectionError("close", "failed to close database connection", err)
	}
	return nil
}

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error {
	if d.db == nil {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.timeout())
	defer cancel()
	if err := d.db.PingContext(ctx); err != nil {
		return NewConnectionError("ping", "database ping failed", err)
	}
	return nil
}

// Dialect returns the SQL dialect in use.
func (d *DB) Dialect() Dialect { return d.dialect }

// Schema returns the configured schema name.
func (d *DB) Schema() string {
	if d.cfg.Schema == "" {
		return "summa"
	}
	return d.cfg.Schema
}

// QueryContext implements Executor against the pool.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if d.db == nil {
		return nil, ErrClosed
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError("query", err)
	}
	return rows, nil
}

// QueryRowContext implements Executor against the pool.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// ExecContext implements Executor against the pool.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if d.db == nil {
		return nil, ErrClosed
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, MapError("exec", err)
	}
	return res, nil
}

// Tx is an open transaction. A Tx holds one pooled connection until
// Commit or Rollback; nested WithSavepoint calls reuse the same
// connection via SAVEPOINT.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
	depth   int
}

// Dialect returns the SQL dialect in use.
func (t *Tx) Dialect() Dialect { return t.dialect }

// QueryContext implements Executor inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError("tx.query", err)
	}
	return rows, nil
}

// QueryRowContext implements Executor inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// ExecContext implements Executor inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, MapError("tx.exec", err)
	}
	return res, nil
}

// AdvisoryLock takes a transaction-scoped exclusive advisory lock on key.
// The lock releases automatically at commit or rollback.
func (t *Tx) AdvisoryLock(ctx context.Context, key int64) error {
	if _, err := t.tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return MapError("advisory_lock", err)
	}
	return nil
}

// WithSavepoint runs fn inside a savepoint. A failure in fn rolls back to
// the savepoint without aborting the enclosing transaction.
func (t *Tx) WithSavepoint(ctx context.Context, fn func(*Tx) error) error {
	t.depth++
	name := fmt.Sprintf("sp_%d", t.depth)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		t.depth--
		return MapError("savepoint", err)
	}
	nested := &Tx{tx: t.tx, dialect: t.dialect, depth: t.depth}
	if err := fn(nested); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			t.depth--
			return NewTransactionError("savepoint", "rollback to savepoint failed", rbErr)
		}
		t.depth--
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		t.depth--
		return MapError("savepoint", err)
	}
	t.depth--
	return nil
}

// WithTransaction runs fn in a transaction at the default isolation
// level, committing on nil return and rolling back on error or panic.
func (d *DB) WithTransaction(ctx context.Context, fn func(*Tx) error) error {
	return d.withTx(ctx, nil, fn)
}

// WithTransactionIsolation is WithTransaction at an explicit isolation
// level. Block checkpoint creation uses REPEATABLE READ.
func (d *DB) WithTransactionIsolation(ctx context.Context, level sql.IsolationLevel, fn func(*Tx) error) error {
	return d.withTx(ctx, &sql.TxOptions{Isolation: level}, fn)
}

func (d *DB) withTx(ctx context.Context, opts *sql.TxOptions, fn func(*Tx) error) (err error) {
	if d.db == nil {
		return ErrClosed
	}
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return NewTransactionError("begin", "failed to begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(&Tx{tx: tx, dialect: d.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			d.log.Warn("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return MapError("commit", err)
	}
	return nil
}
