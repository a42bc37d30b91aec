package server

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Adapter mounts the pure dispatcher and the websocket feed on net/http.
type Adapter struct {
	server *Server
	feed   *Feed
	log    *zap.Logger
}

// NewAdapter builds the transport edge. feed may be nil to disable the
// event stream.
func NewAdapter(server *Server, feed *Feed, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{server: server, feed: feed, log: log}
}

// ServeHTTP translates the transport request into the dispatcher's shape
// and writes the response back.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.feed != nil && r.URL.Path == "/events/stream" {
		a.feed.ServeHTTP(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, `{"error":{"code":"INVALID_ARGUMENT","message":"failed to read body"}}`,
			http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, `{"error":{"code":"INVALID_ARGUMENT","message":"body too large"}}`,
			http.StatusRequestEntityTooLarge)
		return
	}

	query := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	headers := map[string]string{}
	for k, vs := range r.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}

	res := a.server.Handle(r.Context(), r.Method, r.URL.Path, body, query, headers)

	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	if res.Body == nil {
		w.WriteHeader(res.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	if err := json.NewEncoder(w).Encode(res.Body); err != nil {
		a.log.Debug("failed to write response", zap.Error(err))
	}
}
