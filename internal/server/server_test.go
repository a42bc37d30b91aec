package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/ratelimit"
)

func testServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.DefaultLedgerID == uuid.Nil {
		cfg.DefaultLedgerID = uuid.New()
	}
	return New(nil, nil, nil, nil, nil, nil, nil, cfg, nil)
}

func TestHandleUnknownRouteIs404Envelope(t *testing.T) {
	s := testServer(t, Config{})
	res := s.Handle(context.Background(), "GET", "/nope", nil, nil, nil)
	require.Equal(t, http.StatusNotFound, res.Status)

	env, ok := res.Body.(errorEnvelope)
	require.True(t, ok)
	require.Equal(t, ledger.CodeNotFound, env.Error.Code)
}

func TestOKEndpointBody(t *testing.T) {
	s := testServer(t, Config{})
	res := s.Handle(context.Background(), "GET", "/ok", nil, nil, nil)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, map[string]any{"ok": true}, res.Body)
}

func TestRefundRequiresReasonField(t *testing.T) {
	s := testServer(t, Config{})
	res := s.Handle(context.Background(), "POST", "/transactions/refund",
		[]byte(`{"transactionId":"`+uuid.NewString()+`"}`), nil, nil)
	require.Equal(t, http.StatusBadRequest, res.Status)

	env := res.Body.(errorEnvelope)
	require.Equal(t, ledger.CodeInvalidArgument, env.Error.Code)
	require.Contains(t, env.Error.Message, "reason is required")
}

func TestHandleSetsStandardHeaders(t *testing.T) {
	s := testServer(t, Config{})
	res := s.Handle(context.Background(), "GET", "/ok", nil, nil, nil)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "nosniff", res.Headers["X-Content-Type-Options"])
	require.Equal(t, "DENY", res.Headers["X-Frame-Options"])
	require.NotEmpty(t, res.Headers["X-Request-Id"])
}

func TestHandleEchoesRequestID(t *testing.T) {
	s := testServer(t, Config{})
	res := s.Handle(context.Background(), "GET", "/ok", nil, nil,
		map[string]string{"X-Request-Id": "req-42"})
	require.Equal(t, "req-42", res.Headers["X-Request-Id"])
}

func TestAdminRoutesHiddenWithoutKey(t *testing.T) {
	s := testServer(t, Config{AdminKey: "sesame"})

	res := s.Handle(context.Background(), "GET", "/admin/reconciliation", nil, nil, nil)
	require.Equal(t, http.StatusNotFound, res.Status)

	res = s.Handle(context.Background(), "GET", "/admin/reconciliation", nil, nil,
		map[string]string{"X-Admin-Key": "wrong"})
	require.Equal(t, http.StatusNotFound, res.Status)
}

func TestOriginCheckOnMutatingMethods(t *testing.T) {
	s := testServer(t, Config{TrustedOrigins: []string{"https://app.example.com"}})

	res := s.Handle(context.Background(), "POST", "/nope", []byte(`{}`), nil,
		map[string]string{"Origin": "https://evil.example.com"})
	require.Equal(t, http.StatusForbidden, res.Status)

	// Trusted origin and non-browser clients pass through to routing.
	res = s.Handle(context.Background(), "POST", "/nope", []byte(`{}`), nil,
		map[string]string{"Origin": "https://app.example.com"})
	require.Equal(t, http.StatusNotFound, res.Status)

	res = s.Handle(context.Background(), "POST", "/nope", []byte(`{}`), nil, nil)
	require.Equal(t, http.StatusNotFound, res.Status)

	// Reads are never origin-checked.
	res = s.Handle(context.Background(), "GET", "/ok", nil, nil,
		map[string]string{"Origin": "https://evil.example.com"})
	require.Equal(t, http.StatusOK, res.Status)
}

func TestRateLimitExceededIs429(t *testing.T) {
	limiter, err := ratelimit.NewMemory(ratelimit.Config{Limit: 2, Window: time.Minute})
	require.NoError(t, err)
	cfg := Config{DefaultLedgerID: uuid.New()}
	s := New(nil, nil, nil, nil, nil, nil, limiter, cfg, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res := s.Handle(ctx, "GET", "/ok", nil, nil, nil)
		require.Equal(t, http.StatusOK, res.Status, i)
	}
	res := s.Handle(ctx, "GET", "/ok", nil, nil, nil)
	require.Equal(t, http.StatusTooManyRequests, res.Status)
	require.NotEmpty(t, res.Headers["Retry-After"])

	env := res.Body.(errorEnvelope)
	require.Equal(t, ledger.CodeRateLimited, env.Error.Code)
}

func TestRateLimitHeadersOnSuccess(t *testing.T) {
	limiter, err := ratelimit.NewMemory(ratelimit.Config{Limit: 10, Window: time.Minute})
	require.NoError(t, err)
	s := New(nil, nil, nil, nil, nil, nil, limiter, Config{DefaultLedgerID: uuid.New()}, nil)

	res := s.Handle(context.Background(), "GET", "/ok", nil, nil, nil)
	require.Equal(t, "10", res.Headers["X-RateLimit-Limit"])
	require.Equal(t, "9", res.Headers["X-RateLimit-Remaining"])
	require.NotEmpty(t, res.Headers["X-RateLimit-Reset"])
}

func TestHooksShortCircuitAndObserve(t *testing.T) {
	s := testServer(t, Config{})
	var observed []int
	s.Use(Hooks{
		OnRequest: func(req *Request) *Response {
			if req.Header("X-Blocked") != "" {
				return &Response{Status: http.StatusTeapot}
			}
			return nil
		},
		OnResponse: func(req *Request, res *Response) { observed = append(observed, 1) },
	})
	s.Use(Hooks{
		OnResponse: func(req *Request, res *Response) { observed = append(observed, 2) },
	})

	res := s.Handle(context.Background(), "GET", "/ok", nil, nil,
		map[string]string{"X-Blocked": "1"})
	require.Equal(t, http.StatusTeapot, res.Status)
	// Response hooks run in reverse registration order.
	require.Equal(t, []int{2, 1}, observed)
}

func TestMalformedBodyRejectedBeforeHandler(t *testing.T) {
	s := testServer(t, Config{})
	res := s.Handle(context.Background(), "POST", "/holds", []byte(`{broken`), nil, nil)
	require.Equal(t, http.StatusBadRequest, res.Status)
	env := res.Body.(errorEnvelope)
	require.Equal(t, ledger.CodeInvalidArgument, env.Error.Code)
}

func TestErrorResponseHidesInternalDetails(t *testing.T) {
	res := errorResponse(ledger.WrapError(ledger.CodeInternal,
		"failed to insert entry", context.DeadlineExceeded))
	require.Equal(t, http.StatusInternalServerError, res.Status)
	env := res.Body.(errorEnvelope)
	require.Equal(t, "internal error", env.Error.Message)
}

func TestErrorResponseKeepsClientMessages(t *testing.T) {
	res := errorResponse(ledger.NewError(ledger.CodeInsufficientBalance,
		"available balance 50 is less than debit 100"))
	require.Equal(t, http.StatusConflict, res.Status)
	env := res.Body.(errorEnvelope)
	require.Equal(t, ledger.CodeInsufficientBalance, env.Error.Code)
	require.Contains(t, env.Error.Message, "available balance")
}
