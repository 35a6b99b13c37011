package handlers

import (
	"net/http"

	"github.com/jeffersonwarrior/aimux/internal/gateway"
)

// GatewayHealthHandler serves GET /health, 200 with at least one healthy
// provider and 503 otherwise, per SPEC_FULL.md §6.
type GatewayHealthHandler struct {
	gw *gateway.Manager
}

func NewGatewayHealthHandler(gw *gateway.Manager) *GatewayHealthHandler {
	return &GatewayHealthHandler{gw: gw}
}

func (h *GatewayHealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	healthy := h.gw.GetHealthy()
	status := http.StatusOK
	statusText := "healthy"
	if len(healthy) == 0 {
		status = http.StatusServiceUnavailable
		statusText = "unhealthy"
	}
	writeJSON(w, status, map[string]any{
		"status":    statusText,
		"timestamp": nowMillis(),
	})
}

// DetailedHealthHandler serves GET /health/detailed.
type DetailedHealthHandler struct {
	gw *gateway.Manager
}

func NewDetailedHealthHandler(gw *gateway.Manager) *DetailedHealthHandler {
	return &DetailedHealthHandler{gw: gw}
}

func (h *DetailedHealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	healthy := h.gw.GetHealthy()
	unhealthy := h.gw.GetUnhealthy()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          overallStatus(healthy),
		"healthy_count":   len(healthy),
		"unhealthy_count": len(unhealthy),
		"healthy":         healthy,
		"unhealthy":       unhealthy,
		"uptime_seconds":  h.gw.Uptime().Seconds(),
		"timestamp":       nowMillis(),
	})
}

func overallStatus(healthy []string) string {
	if len(healthy) == 0 {
		return "unhealthy"
	}
	return "healthy"
}
