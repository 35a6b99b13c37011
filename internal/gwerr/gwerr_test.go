package gwerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable_ServerErrorsAndRateLimitsAreRetryable(t *testing.T) {
	assert.True(t, Retryable(500))
	assert.True(t, Retryable(503))
	assert.True(t, Retryable(408))
	assert.True(t, Retryable(429))
}

func TestRetryable_ClientErrorsAreTerminal(t *testing.T) {
	assert.False(t, Retryable(400))
	assert.False(t, Retryable(401))
	assert.False(t, Retryable(404))
}

func TestNew_WrapsSentinelForKind(t *testing.T) {
	err := New(KindNoProvider, "NO_PROVIDER", 503, "no healthy provider for %s", "model-x")
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.Equal(t, "no healthy provider for model-x", err.Message)
	assert.Contains(t, err.Error(), "NO_PROVIDER")
}

func TestWrap_PreservesUnderlyingError(t *testing.T) {
	underlying := errors.New("dial tcp: timeout")
	err := Wrap(KindProvider, "UPSTREAM_ERROR", 502, underlying)
	assert.Equal(t, underlying, errors.Unwrap(err))
	assert.Equal(t, "dial tcp: timeout", err.Message)
}

func TestError_IncludesProviderWhenSet(t *testing.T) {
	err := New(KindCircuit, "CIRCUIT_OPEN", 503, "circuit open")
	err.Provider = "anthropic"
	assert.Contains(t, err.Error(), "anthropic")
	assert.Contains(t, err.Error(), "CIRCUIT_OPEN")
}

func TestAsGatewayError_PassesThroughClassifiedError(t *testing.T) {
	original := New(KindValidation, "BAD_REQUEST", 400, "missing field")
	got := AsGatewayError(original, "corr-1")
	assert.Same(t, original, got)
}

func TestAsGatewayError_SynthesizesInternalForUnclassified(t *testing.T) {
	underlying := errors.New("boom")
	got := AsGatewayError(underlying, "corr-42")
	assert.Equal(t, KindInternal, got.Kind)
	assert.Equal(t, 500, got.Status)
	assert.Contains(t, got.Message, "corr-42")
	assert.Equal(t, underlying, errors.Unwrap(got))
}
