package ledger

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes form a closed taxonomy. New failure conditions must pick an
// existing code; callers and the HTTP layer switch on these strings.
const (
	CodeNotFound                = "NOT_FOUND"
	CodeInvalidArgument         = "INVALID_ARGUMENT"
	CodeAlreadyExists           = "ALREADY_EXISTS"
	CodeConflict                = "CONFLICT"
	CodeAccountFrozen           = "ACCOUNT_FROZEN"
	CodeAccountClosed           = "ACCOUNT_CLOSED"
	CodeInsufficientBalance     = "INSUFFICIENT_BALANCE"
	CodeCurrencyMismatch        = "CURRENCY_MISMATCH"
	CodeChainIntegrityViolation = "CHAIN_INTEGRITY_VIOLATION"
	CodeRateLimited             = "RATE_LIMITED"
	CodeInternal                = "INTERNAL"
)

// Error is the single tagged error type surfaced by the core.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	DocsURL string `json:"docs,omitempty"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by code so sentinel comparisons work across wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// NewError creates a tagged error with the status implied by code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: statusFor(code)}
}

// Errorf creates a tagged error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError attaches a cause to a tagged error.
func WrapError(code, message string, cause error) *Error {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// CodeOf extracts the taxonomy code from err, defaulting to INTERNAL for
// unknown errors so nothing leaks an unclassified failure to callers.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps err to the response status for the HTTP surface.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

func statusFor(code string) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument, CodeCurrencyMismatch:
		return http.StatusBadRequest
	case CodeAlreadyExists, CodeConflict, CodeAccountFrozen,
		CodeAccountClosed, CodeInsufficientBalance:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
