package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func pqError(code string) error {
	return &pq.Error{Code: pq.ErrorCode(code), Message: "test"}
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(pqError("23505")))
	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", pqError("23505"))))
	require.True(t, IsUniqueViolation(ErrUniqueViolation))
	require.False(t, IsUniqueViolation(pqError("40001")))
	require.False(t, IsUniqueViolation(errors.New("other")))
}

func TestIsSerializationFailure(t *testing.T) {
	require.True(t, IsSerializationFailure(pqError("40001")))
	require.True(t, IsSerializationFailure(pqError("40P01")), "deadlocks count as retryable conflicts")
	require.False(t, IsSerializationFailure(pqError("23505")))
}

func TestIsLockNotAvailable(t *testing.T) {
	require.True(t, IsLockNotAvailable(pqError("55P03")))
	require.False(t, IsLockNotAvailable(pqError("40001")))
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(pqError("40001")))
	require.True(t, IsRetryable(pqError("08006")), "connection class is retryable")
	require.True(t, IsRetryable(context.DeadlineExceeded))
	require.True(t, IsRetryable(NewConnectionError("ping", "down", nil)))
	require.False(t, IsRetryable(pqError("23505")))
	require.False(t, IsRetryable(errors.New("other")))
}

func TestMapErrorClassification(t *testing.T) {
	var se *StoreError

	err := MapError("insert", pqError("23505"))
	require.ErrorAs(t, err, &se)
	require.Equal(t, ErrorTypeConstraint, se.Type)

	err = MapError("update", pqError("40001"))
	require.ErrorAs(t, err, &se)
	require.Equal(t, ErrorTypeTransaction, se.Type)
	require.True(t, se.Retryable)

	err = MapError("query", pqError("08001"))
	require.ErrorAs(t, err, &se)
	require.Equal(t, ErrorTypeConnection, se.Type)

	err = MapError("query", errors.New("syntax error"))
	require.ErrorAs(t, err, &se)
	require.Equal(t, ErrorTypeQuery, se.Type)
}

func TestMapErrorPassesThroughNoRows(t *testing.T) {
	require.Nil(t, MapError("get", nil))
	require.ErrorIs(t, MapError("get", sql.ErrNoRows), sql.ErrNoRows)
	require.ErrorIs(t, MapError("get", fmt.Errorf("scan: %w", sql.ErrNoRows)), sql.ErrNoRows)
}

func TestStoreErrorUnwrap(t *testing.T) {
	cause := pqError("23505")
	err := MapError("insert", cause)
	require.ErrorIs(t, err, cause)
}

func TestPostgresDialect(t *testing.T) {
	d := Postgres
	require.Equal(t, "postgres", d.Name())
	require.Equal(t, "now()", d.Now())
	require.Equal(t, "interval '60000 milliseconds'", d.Interval(time.Minute))
	require.Equal(t, "FOR UPDATE SKIP LOCKED", d.ForUpdateSkipLocked())
	require.Equal(t, "ON CONFLICT DO NOTHING", d.OnConflictDoNothing())
	require.Equal(t, "ON CONFLICT (event_id) DO NOTHING", d.OnConflictDoNothing("event_id"))
	require.Equal(t, "RETURNING *", d.Returning())
	require.Equal(t, "RETURNING id, created_at", d.Returning("id", "created_at"))
	require.Equal(t, "COUNT(*)::bigint", d.CountAsInt("*"))
}
