package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffersonwarrior/aimux/internal/config"
)

func newTestConfigManager(t *testing.T, apiKey string) *config.Manager {
	t.Helper()
	mgr := config.NewManager(t.TempDir())
	require.NoError(t, mgr.Save(&config.Config{APIKey: config.Secret(apiKey)}))
	return mgr
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	mgr := newTestConfigManager(t, "secret-key")
	logger := slog.New(slog.NewTextHandler(httptest.NewRecorder(), nil))
	handler := NewAuthMiddleware(mgr, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthMiddleware_AcceptsValidBearerToken(t *testing.T) {
	mgr := newTestConfigManager(t, "secret-key")
	logger := slog.New(slog.NewTextHandler(httptest.NewRecorder(), nil))
	handler := NewAuthMiddleware(mgr, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthMiddleware_AcceptsAnthropicStyleHeader(t *testing.T) {
	mgr := newTestConfigManager(t, "secret-key")
	logger := slog.New(slog.NewTextHandler(httptest.NewRecorder(), nil))
	handler := NewAuthMiddleware(mgr, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", nil)
	req.Header.Set("x-api-key", "secret-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthMiddleware_RejectsWrongToken(t *testing.T) {
	mgr := newTestConfigManager(t, "secret-key")
	logger := slog.New(slog.NewTextHandler(httptest.NewRecorder(), nil))
	handler := NewAuthMiddleware(mgr, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer not-the-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthMiddleware_HealthCheckBypassesAuth(t *testing.T) {
	mgr := newTestConfigManager(t, "secret-key")
	logger := slog.New(slog.NewTextHandler(httptest.NewRecorder(), nil))
	handler := NewAuthMiddleware(mgr, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthMiddleware_NoConfiguredKeyAllowsAll(t *testing.T) {
	mgr := newTestConfigManager(t, "")
	logger := slog.New(slog.NewTextHandler(httptest.NewRecorder(), nil))
	handler := NewAuthMiddleware(mgr, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}
