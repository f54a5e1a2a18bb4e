package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Pinger is a dependency the health check pings, such as the postgres pool
// or the redis client. Ping should return quickly and report only whether the
// dependency can serve requests right now.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks map[string]Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler probing checks by name.
func NewHealthHandler(checks map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthCheck pings every registered dependency under a shared two-second
// deadline and reports each result by name. The overall status is "ok" with
// 200 when all of them answer, and "degraded" with 503 when any fails.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	if len(names) > 0 {
		resp.Checks = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "handler: health check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}
