package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// EventHistoryFunc returns up to limit of the newest trade events, newest
// first.
type EventHistoryFunc func(ctx context.Context, limit int) ([]json.RawMessage, error)

// EventHandler serves recent trade events and the audit log.
type EventHandler struct {
	history EventHistoryFunc
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewEventHandler creates an EventHandler. Either source may be nil.
func NewEventHandler(history EventHistoryFunc, audit domain.AuditStore, logger *slog.Logger) *EventHandler {
	return &EventHandler{history: history, audit: audit, logger: logger}
}

// RecentEvents returns the newest trade events kept in the event bus
// history, newest first. Each event is passed through as the JSON payload it
// was published with. limit follows the usual pagination defaults. The
// route answers 503 when no history source was wired.
// GET /api/events?limit=
func (h *EventHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "event history not configured")
		return
	}
	events, err := h.history(r.Context(), parseListOpts(r).Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: recent events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if events == nil {
		events = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ListAudit returns audit log entries, newest first.
// GET /api/audit?limit=&offset=
func (h *EventHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
