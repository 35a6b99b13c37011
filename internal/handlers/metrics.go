package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeffersonwarrior/aimux/internal/gateway"
)

// MetricsHandler serves GET /metrics as a JSON aggregate of the ring buffer
// plus routing selection counts, distinct from the Prometheus exposition
// endpoint mounted separately at /metrics/prometheus.
type MetricsHandler struct {
	gw *gateway.Manager
}

func NewMetricsHandler(gw *gateway.Manager) *MetricsHandler {
	return &MetricsHandler{gw: gw}
}

func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agg, routing := h.gw.GetMetrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":   agg,
		"routing":    routing,
		"uptime_sec": h.gw.Uptime().Seconds(),
		"timestamp":  nowMillis(),
	})
}

// NewPrometheusHandler returns the exposition-format handler for gatherer,
// the same registry passed to metrics.NewPrometheus when the gateway was
// constructed.
func NewPrometheusHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
