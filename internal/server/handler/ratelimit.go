package handler

import (
	"context"
	"net/http"
	"time"
)

// RemainingSource reports a user's rate-limit budget without consuming it.
type RemainingSource interface {
	Remaining(ctx context.Context, userID string) (int, time.Time)
}

// RateLimitHandler serves per-user rate-limit status.
type RateLimitHandler struct {
	limiter RemainingSource
	limit   int
}

// NewRateLimitHandler creates a RateLimitHandler.
func NewRateLimitHandler(limiter RemainingSource, limit int) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter, limit: limit}
}

type rateLimitResponse struct {
	UserID    string     `json:"user_id"`
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	ResetsAt  *time.Time `json:"resets_at,omitempty"`
}

// Status reports how many actions the user has left in the current window,
// the configured limit and, when a window is open, the time it resets.
// Reading the status never consumes an action.
// GET /api/ratelimit/{user}
func (h *RateLimitHandler) Status(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user required")
		return
	}
	left, resets := h.limiter.Remaining(r.Context(), user)
	resp := rateLimitResponse{UserID: user, Limit: h.limit, Remaining: left}
	if !resets.IsZero() {
		t := resets.UTC()
		resp.ResetsAt = &t
	}
	writeJSON(w, http.StatusOK, resp)
}
