package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/jeffersonwarrior/aimux/internal/gwerr"
)

// writeError renders the uniform error envelope and sets the gateway
// status code, classifying err into a gwerr.Error first if it isn't one
// already.
func writeError(w http.ResponseWriter, err error, correlationID string) {
	ge := gwerr.AsGatewayError(err, correlationID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ge.Status)

	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    envelopeType(ge.Kind),
			"code":    ge.Code,
			"message": ge.Message,
		},
		"timestamp": nowMillis(),
	})
}

func envelopeType(kind gwerr.Kind) string {
	switch kind {
	case gwerr.KindValidation, gwerr.KindConfig:
		return "validation_error"
	case gwerr.KindInternal:
		return "gateway_error"
	default:
		return "api_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
