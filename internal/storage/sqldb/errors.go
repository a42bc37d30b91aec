package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Sentinel errors for common storage conditions.
var (
	ErrClosed          = errors.New("database connection is closed")
	ErrNoRows          = sql.ErrNoRows
	ErrUniqueViolation = errors.New("unique constraint violation")
	ErrSerialization   = errors.New("serialization failure")
	ErrLockNotAvail    = errors.New("row lock not available")
)

// ErrorType categorizes storage errors for retry decisions.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeConnection
	ErrorTypeTransaction
	ErrorTypeQuery
	ErrorTypeConstraint
)

// StoreError carries the operation, category and retryability of a
// database failure.
type StoreError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Retryable bool
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// NewConfigurationError creates a configuration error.
func NewConfigurationError(op, msg string, cause error) *StoreError {
	return &StoreError{Type: ErrorTypeConfiguration, Operation: op, Message: msg, Cause: cause}
}

// NewConnectionError creates a retryable connection error.
func NewConnectionError(op, msg string, cause error) *StoreError {
	return &StoreError{Type: ErrorTypeConnection, Operation: op, Message: msg, Cause: cause, Retryable: true}
}

// NewTransactionError creates a transaction error.
func NewTransactionError(op, msg string, cause error) *StoreError {
	return &StoreError{Type: ErrorTypeTransaction, Operation: op, Message: msg, Cause: cause}
}

// NewQueryError creates a query error.
func NewQueryError(op, msg string, cause error) *StoreError {
	return &StoreError{Type: ErrorTypeQuery, Operation: op, Message: msg, Cause: cause}
}

// NewConstraintError creates a constraint error.
func NewConstraintError(op, msg string, cause error) *StoreError {
	return &StoreError{Type: ErrorTypeConstraint, Operation: op, Message: msg, Cause: cause}
}

// Postgres error codes we branch on. Unique violations surface as
// AlreadyExists upstream; serialization failures and deadlocks as
// retryable conflicts.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, ErrUniqueViolation) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

// IsSerializationFailure reports whether err is a serialization failure
// or deadlock, both of which the caller may retry.
func IsSerializationFailure(err error) bool {
	if errors.Is(err, ErrSerialization) {
		return true
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == pgSerializationFailure || string(pqErr.Code) == pgDeadlockDetected
}

// IsLockNotAvailable reports whether err came from FOR UPDATE NOWAIT
// hitting a held lock.
func IsLockNotAvailable(err error) bool {
	if errors.Is(err, ErrLockNotAvail) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgLockNotAvailable
}

// IsRetryable reports whether the operation that produced err may be
// retried on a fresh transaction.
func IsRetryable(err error) bool {
	if IsSerializationFailure(err) {
		return true
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && len(pqErr.Code) >= 2 && pqErr.Code.Class() == "08" {
		return true // connection exception class
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// MapError classifies a raw driver error into a StoreError. sql.ErrNoRows
// passes through untouched so callers can keep using errors.Is.
func MapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation:
			return NewConstraintError(op, "unique constraint violation", err)
		case pgSerializationFailure, pgDeadlockDetected:
			se := NewTransactionError(op, "serialization failure", err)
			se.Retryable = true
			return se
		case pgLockNotAvailable:
			return NewTransactionError(op, "row lock not available", err)
		}
		if pqErr.Code.Class() == "08" {
			return NewConnectionError(op, "connection failure", err)
		}
	}
	return NewQueryError(op, "query failed", err)
}
