package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffersonwarrior/aimux/internal/config"
	"github.com/jeffersonwarrior/aimux/internal/gateway"
	"github.com/jeffersonwarrior/aimux/internal/handlers"
)

// TestDispatchIntegration drives the full HTTP -> gateway -> transform ->
// upstream pipeline against a fake OpenAI-format backend, in place of
// reaching a real provider over the network.
func TestDispatchIntegration(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "test-model",
			"choices": [{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Host:   "127.0.0.1",
		Port:   8080,
		APIKey: "test-key",
		Providers: []config.Provider{
			{
				Name:    "test-provider",
				APIBase: upstream.URL,
				APIKey:  "test-provider-key",
				Models:  []string{"test-model"},
			},
		},
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	gw := gateway.New(gateway.Options{Routing: cfg.Routing.WithDefaults()})
	require.NoError(t, gw.AddProvider(cfg.Providers[0]))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	handler := handlers.NewDispatchHandler(gw, logger)

	requestBody := map[string]any{
		"model":      "test-model",
		"max_tokens": 64,
		"messages": []map[string]any{
			{"role": "user", "content": "Hello, world!"},
		},
	}
	jsonBody, _ := json.Marshal(requestBody)

	req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", bytes.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", "test-key")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "test-provider", rr.Header().Get("X-Aimux-Provider"))

	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, "message", out["type"])
}
