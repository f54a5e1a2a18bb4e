package handler

import (
	"net/http"

	"github.com/alanyoungcy/swapbot/internal/gateway"
)

// BreakerSource exposes one gateway's circuit breaker.
type BreakerSource interface {
	Breaker() gateway.BreakerSnapshot
}

// GatewayHandler reports circuit breaker state.
type GatewayHandler struct {
	breakers []BreakerSource
}

// NewGatewayHandler creates a GatewayHandler over breakers.
func NewGatewayHandler(breakers ...BreakerSource) *GatewayHandler {
	return &GatewayHandler{breakers: breakers}
}

// Status lists every breaker's snapshot.
// GET /api/gateway
func (h *GatewayHandler) Status(w http.ResponseWriter, _ *http.Request) {
	out := make([]gateway.BreakerSnapshot, 0, len(h.breakers))
	for _, b := range h.breakers {
		out = append(out, b.Breaker())
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": out})
}
