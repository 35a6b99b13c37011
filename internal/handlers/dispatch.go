package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jeffersonwarrior/aimux/internal/gateway"
	"github.com/jeffersonwarrior/aimux/internal/gwerr"
)

// DispatchHandler serves the chat-completion endpoints, delegating the
// actual routing/failover/transform work to gateway.Manager. Grounded on
// the teacher's ProxyHandler.ServeHTTP (read body -> dispatch -> write
// response) but with the dispatch step now owned by the gateway.
type DispatchHandler struct {
	gw     *gateway.Manager
	logger *slog.Logger
}

func NewDispatchHandler(gw *gateway.Manager, logger *slog.Logger) *DispatchHandler {
	return &DispatchHandler{gw: gw, logger: logger}
}

func (h *DispatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := gateway.NewCorrelationID()

	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindValidation, "INVALID_BODY", 400, err), correlationID)
		return
	}
	defer r.Body.Close()

	if isStreamingRequest(body) {
		h.serveStream(w, r, body, correlationID)
		return
	}

	start := time.Now()
	out, status, provider, err := h.gw.Dispatch(r.Context(), r.URL.Path, r.Header, body)
	if err != nil {
		h.logger.Error("dispatch failed", "error", err, "correlation_id", correlationID)
		writeError(w, err, correlationID)
		return
	}

	w.Header().Set("X-Aimux-Provider", provider)
	w.Header().Set("X-Aimux-Response-Time", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(out)
}

func (h *DispatchHandler) serveStream(w http.ResponseWriter, r *http.Request, body []byte, correlationID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	onProvider := func(name string) {
		w.Header().Set("X-Aimux-Provider", name)
	}

	_, err := h.gw.DispatchStream(r.Context(), r.URL.Path, r.Header, body, w, flush, onProvider)
	if err != nil {
		h.logger.Error("stream dispatch failed", "error", err, "correlation_id", correlationID)
		writeError(w, err, correlationID)
		return
	}
}

// isStreamingRequest reports whether the client asked for an SSE stream.
func isStreamingRequest(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Stream
}
