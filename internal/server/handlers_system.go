package server

import (
	"context"
	"net/http"
	"time"
)

func (s *Server) handleOK(_ context.Context, _ *Request) (*Response, error) {
	return respondOK(map[string]any{"ok": true}), nil
}

// handleHealth reports database reachability and schema currency. A
// degraded dependency turns the status without failing the request.
func (s *Server) handleHealth(ctx context.Context, _ *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := "healthy"
	checks := map[string]string{}

	if err := s.db.Ping(ctx); err != nil {
		status = "unhealthy"
		checks["database"] = "unreachable"
	} else {
		checks["database"] = "ok"
		plan, err := s.migrator.Plan(ctx)
		switch {
		case err != nil:
			status = "degraded"
			checks["schema"] = "plan failed"
		case !plan.Empty():
			status = "degraded"
			checks["schema"] = "migrations pending"
		default:
			checks["schema"] = "ok"
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	return &Response{Status: code, Body: map[string]any{
		"status": status,
		"checks": checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}}, nil
}
