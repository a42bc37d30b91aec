package ledger

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[string]int{
		CodeNotFound:                http.StatusNotFound,
		CodeInvalidArgument:         http.StatusBadRequest,
		CodeCurrencyMismatch:        http.StatusBadRequest,
		CodeAlreadyExists:           http.StatusConflict,
		CodeConflict:                http.StatusConflict,
		CodeAccountFrozen:           http.StatusConflict,
		CodeAccountClosed:           http.StatusConflict,
		CodeInsufficientBalance:     http.StatusConflict,
		CodeRateLimited:             http.StatusTooManyRequests,
		CodeChainIntegrityViolation: http.StatusInternalServerError,
		CodeInternal:                http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, HTTPStatus(NewError(code, "boom")), code)
	}
}

func TestHTTPStatusNonTaxonomyError(t *testing.T) {
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, CodeNotFound, CodeOf(NewError(CodeNotFound, "missing")))
	require.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	require.Equal(t, CodeInternal, CodeOf(nil))
}

func TestCodeOfWrapped(t *testing.T) {
	inner := NewError(CodeConflict, "lock contention")
	wrapped := fmt.Errorf("pipeline: %w", inner)
	require.Equal(t, CodeConflict, CodeOf(wrapped))
	require.True(t, IsCode(wrapped, CodeConflict))
	require.False(t, IsCode(wrapped, CodeNotFound))
}

func TestErrorIsByCode(t *testing.T) {
	a := NewError(CodeConflict, "first")
	b := NewError(CodeConflict, "second")
	require.True(t, errors.Is(a, b))
	require.False(t, errors.Is(a, NewError(CodeNotFound, "other")))
}

func TestWrapErrorKeepsCause(t *testing.T) {
	cause := errors.New("driver: connection reset")
	err := WrapError(CodeInternal, "failed to insert entry", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "failed to insert entry")
}

func TestErrorf(t *testing.T) {
	err := Errorf(CodeInvalidArgument, "destinations[%d].amount must be positive", 2)
	require.Equal(t, CodeInvalidArgument, CodeOf(err))
	require.Contains(t, err.Error(), "destinations[2]")
}
