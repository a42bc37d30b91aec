package sqldb

import (
	"fmt"
	"strings"
	"time"
)

// Dialect abstracts the SQL fragments that differ between engines. Only
// PostgreSQL ships today; the seam exists so statements are assembled in
// one place instead of scattered string literals.
type Dialect interface {
	Name() string

	// Now is the expression for the current UTC timestamp.
	Now() string

	// GenerateUUID is the expression producing a random UUID.
	GenerateUUID() string

	// Interval renders d as a SQL interval literal.
	Interval(d time.Duration) string

	// ForUpdateSkipLocked is the queue-consumer locking clause.
	ForUpdateSkipLocked() string

	// OnConflictDoNothing renders the idempotent-insert clause for the
	// given conflict columns.
	OnConflictDoNothing(cols ...string) string

	// Returning renders the RETURNING clause for the given columns.
	Returning(cols ...string) string

	// CountAsInt renders a COUNT expression cast to a plain integer.
	CountAsInt(expr string) string
}

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

// Postgres is the shared PostgreSQL dialect instance.
var Postgres Dialect = PostgresDialect{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) Now() string { return "now()" }

func (PostgresDialect) GenerateUUID() string { return "gen_random_uuid()" }

func (PostgresDialect) Interval(d time.Duration) string {
	return fmt.Sprintf("interval '%d milliseconds'", d.Milliseconds())
}

func (PostgresDialect) ForUpdateSkipLocked() string { return "FOR UPDATE SKIP LOCKED" }

func (PostgresDialect) OnConflictDoNothing(cols ...string) string {
	if len(cols) == 0 {
		return "ON CONFLICT DO NOTHING"
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(cols, ", "))
}

func (PostgresDialect) Returning(cols ...string) string {
	if len(cols) == 0 {
		return "RETURNING *"
	}
	return "RETURNING " + strings.Join(cols, ", ")
}

func (PostgresDialect) CountAsInt(expr string) string {
	return fmt.Sprintf("COUNT(%s)::bigint", expr)
}
