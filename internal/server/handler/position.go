package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// PositionLister is the read-only view of open positions the handler needs.
// The live tracker satisfies it in monitor mode; in serve mode a store-backed
// lister reads postgres on every call.
type PositionLister interface {
	List(userID string) []domain.Position
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionLister
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionLister, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logger}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns open positions ordered by key. With the user query
// parameter only that user's positions are listed. An empty result is
// encoded as an empty array, never null.
// GET /api/positions?user=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.List(r.URL.Query().Get("user"))
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
