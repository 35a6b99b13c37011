package handlers

import (
	"net/http"

	"github.com/jeffersonwarrior/aimux/internal/gateway"
)

// ProvidersHandler serves GET /providers: healthy/unhealthy names plus the
// registered provider configs (credentials masked by config.Secret).
type ProvidersHandler struct {
	gw *gateway.Manager
}

func NewProvidersHandler(gw *gateway.Manager) *ProvidersHandler {
	return &ProvidersHandler{gw: gw}
}

func (h *ProvidersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":   h.gw.GetHealthy(),
		"unhealthy": h.gw.GetUnhealthy(),
		"configs":   h.gw.ProviderConfigs(),
	})
}

// ModelsHandler serves GET /anthropic/v1/models and GET /v1/models: the
// aggregated model list advertised by every registered, enabled provider.
type ModelsHandler struct {
	gw *gateway.Manager
}

func NewModelsHandler(gw *gateway.Manager) *ModelsHandler {
	return &ModelsHandler{gw: gw}
}

func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	var models []string
	for _, cfg := range h.gw.ProviderConfigs() {
		if !cfg.IsEnabled() {
			continue
		}
		for _, model := range cfg.GetAllowedModels() {
			if !seen[model] {
				seen[model] = true
				models = append(models, model)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": models})
}
