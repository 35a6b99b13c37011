package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORSMiddleware_SetsHeadersAndShortCircuitsPreflight(t *testing.T) {
	var called bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := NewCORSMiddleware(true)(next)

	req := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, called, "OPTIONS preflight must not reach the wrapped handler")
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", rr.Header().Get("Access-Control-Max-Age"))
}

func TestCORSMiddleware_PassesThroughNonOptions(t *testing.T) {
	var called bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := NewCORSMiddleware(true)(next)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.True(t, called)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_DisabledIsNoop(t *testing.T) {
	var called bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := NewCORSMiddleware(false)(next)

	req := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.True(t, called, "disabled CORS middleware should pass every request through untouched")
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
