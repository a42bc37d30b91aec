package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func namedHandler(name string) HandlerFunc {
	return func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Status: 200, Body: name}, nil
	}
}

func handlerName(t *testing.T, h HandlerFunc) string {
	t.Helper()
	res, err := h(context.Background(), &Request{})
	require.NoError(t, err)
	return res.Body.(string)
}

func TestRouterMatchesStaticRoutes(t *testing.T) {
	r := &Router{}
	r.Add("GET", "/ok", namedHandler("ok"))
	r.Add("GET", "/health", namedHandler("health"))

	h, params, ok := r.Match("GET", "/health")
	require.True(t, ok)
	require.Nil(t, params)
	require.Equal(t, "health", handlerName(t, h))

	_, _, ok = r.Match("POST", "/health")
	require.False(t, ok)
	_, _, ok = r.Match("GET", "/missing")
	require.False(t, ok)
}

func TestRouterCapturesParams(t *testing.T) {
	r := &Router{}
	r.Add("GET", "/accounts/:holderId/balance", namedHandler("balance"))

	h, params, ok := r.Match("GET", "/accounts/alice/balance")
	require.True(t, ok)
	require.Equal(t, "alice", params["holderId"])
	require.Equal(t, "balance", handlerName(t, h))

	_, _, ok = r.Match("GET", "/accounts/alice")
	require.False(t, ok)
}

func TestRouterRegistrationOrderWins(t *testing.T) {
	// /holds/active must be registered before /holds/:holdId so the
	// literal segment is not swallowed by the parameter.
	r := &Router{}
	r.Add("GET", "/holds/active", namedHandler("active"))
	r.Add("GET", "/holds/:holdId", namedHandler("byId"))

	h, params, ok := r.Match("GET", "/holds/active")
	require.True(t, ok)
	require.Empty(t, params)
	require.Equal(t, "active", handlerName(t, h))

	h, params, ok = r.Match("GET", "/holds/9f0d8a50")
	require.True(t, ok)
	require.Equal(t, "9f0d8a50", params["holdId"])
	require.Equal(t, "byId", handlerName(t, h))
}

func TestRouterMethodCaseInsensitive(t *testing.T) {
	r := &Router{}
	r.Add("post", "/transactions/credit", namedHandler("credit"))
	_, _, ok := r.Match("POST", "/transactions/credit")
	require.True(t, ok)
}

func TestRouterTrailingSlash(t *testing.T) {
	r := &Router{}
	r.Add("GET", "/accounts", namedHandler("list"))
	_, _, ok := r.Match("GET", "/accounts/")
	require.True(t, ok)
}

func TestRequestHeaderCaseInsensitive(t *testing.T) {
	req := &Request{Headers: map[string]string{"X-Request-Id": "abc"}}
	require.Equal(t, "abc", req.Header("x-request-id"))
	require.Equal(t, "abc", req.Header("X-Request-Id"))
	require.Equal(t, "", req.Header("X-Other"))
}
