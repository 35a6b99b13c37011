package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/jeffersonwarrior/aimux/internal/config"
	"github.com/jeffersonwarrior/aimux/internal/gateway"
	"github.com/jeffersonwarrior/aimux/internal/gwerr"
)

// ConfigHandler serves GET/POST /config: a redacted snapshot of the active
// configuration, and an update path that persists a new one to disk.
// Grounded on the teacher's config.Manager load/save pair.
type ConfigHandler struct {
	manager *config.Manager
	logger  *slog.Logger
}

func NewConfigHandler(manager *config.Manager, logger *slog.Logger) *ConfigHandler {
	return &ConfigHandler{manager: manager, logger: logger}
}

func (h *ConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPost:
		h.post(w, r)
	default:
		writeError(w, gwerr.New(gwerr.KindValidation, "METHOD_NOT_ALLOWED", 405, "use GET or POST"), gateway.NewCorrelationID())
	}
}

func (h *ConfigHandler) get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Get())
}

func (h *ConfigHandler) post(w http.ResponseWriter, r *http.Request) {
	correlationID := gateway.NewCorrelationID()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindValidation, "INVALID_BODY", 400, err), correlationID)
		return
	}
	defer r.Body.Close()

	var cfg config.Config
	if err := json.Unmarshal(body, &cfg); err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindValidation, "INVALID_CONFIG", 400, err), correlationID)
		return
	}

	if err := h.manager.Save(&cfg); err != nil {
		h.logger.Error("config save failed", "error", err, "correlation_id", correlationID)
		writeError(w, gwerr.Wrap(gwerr.KindInternal, "CONFIG_SAVE_FAILED", 500, err), correlationID)
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}
