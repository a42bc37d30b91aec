// Package server is the HTTP surface of summad. Dispatch is a pure
// function from (method, path, body, query, headers) to a response, so
// the whole surface is testable without sockets; the net/http and
// websocket adapters live at the edge.
package server

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/ratelimit"
)

// RequestContext is the per-request identity injected before dispatch.
type RequestContext struct {
	RequestID string
	LedgerID  uuid.UUID
	Actor     string
	IsAdmin   bool
}

// Request is the dispatcher's input.
type Request struct {
	Method  string
	Path    string
	Body    map[string]any
	RawBody []byte
	Query   map[string]string
	Headers map[string]string
	Params  map[string]string
	Ctx     RequestContext

	rateLimit *ratelimit.Decision
}

// Header reads a request header case-insensitively.
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Response is the dispatcher's output.
type Response struct {
	Status  int
	Body    any
	Headers map[string]string
}

func (r *Response) setHeader(k, v string) {
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	r.Headers[k] = v
}

// HandlerFunc handles one route.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

type route struct {
	method   string
	segments []string
	handler  HandlerFunc
}

// Router matches (method, path) against a static table. Routes match in
// registration order, so specific patterns must be registered before
// parametric ones (/holds/active before /holds/:id).
type Router struct {
	routes []route
}

// Add registers a route. Pattern segments starting with ':' capture the
// path segment under that name.
func (r *Router) Add(method, pattern string, h HandlerFunc) {
	r.routes = append(r.routes, route{
		method:   strings.ToUpper(method),
		segments: splitPath(pattern),
		handler:  h,
	})
}

// Match finds the first route matching method and path, returning the
// captured params.
func (r *Router) Match(method, path string) (HandlerFunc, map[string]string, bool) {
	segments := splitPath(path)
	method = strings.ToUpper(method)
	for _, rt := range r.routes {
		if rt.method != method {
			continue
		}
		params, ok := matchSegments(rt.segments, segments)
		if ok {
			return rt.handler, params, true
		}
	}
	return nil, nil, false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			if path[i] == "" {
				return nil, false
			}
			if params == nil {
				params = map[string]string{}
			}
			params[seg[1:]] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	return params, true
}
