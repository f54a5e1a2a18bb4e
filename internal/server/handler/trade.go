package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// TradeHandler serves the confirmed-trade history.
type TradeHandler struct {
	trades domain.TradeStore
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades domain.TradeStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

// ListTrades returns one user's confirmed trades, newest first, paginated by
// limit and offset. The user query parameter is required. A store failure is
// logged and answered with 500.
// GET /api/trades?user=...&limit=&offset=
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}
	trades, err := h.trades.ListByUser(r.Context(), user, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.String("user_id", user),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}
