// Package gwerr defines the gateway's error taxonomy as sentinel-wrapped
// errors so callers can classify failures with errors.Is/errors.As instead
// of inspecting strings.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error for HTTP status mapping and failover logic.
type Kind string

const (
	KindConfig     Kind = "config_error"
	KindValidation Kind = "validation_error"
	KindTransform  Kind = "transform_error"
	KindNoProvider Kind = "no_provider_error"
	KindProvider   Kind = "provider_error"
	KindCircuit    Kind = "circuit_open"
	KindStream     Kind = "stream_error"
	KindInternal   Kind = "gateway_error"
)

var (
	ErrConfig     = errors.New("config error")
	ErrValidation = errors.New("validation error")
	ErrTransform  = errors.New("transform error")
	ErrNoProvider = errors.New("no healthy provider")
	ErrProvider   = errors.New("provider error")
	ErrCircuit    = errors.New("circuit open")
	ErrStream     = errors.New("stream error")
)

// Error is a classified gateway error carrying an HTTP status, a
// SCREAMING_SNAKE code and whether the failover loop may retry past it.
type Error struct {
	Kind      Kind
	Code      string
	Status    int
	Retryable bool
	Message   string
	Provider  string
	err       error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s [%s/%s]: %s", e.Kind, e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

func New(kind Kind, code string, status int, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
		err:     sentinelFor(kind),
	}
}

func Wrap(kind Kind, code string, status int, err error) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Status:  status,
		Message: err.Error(),
		err:     err,
	}
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindConfig:
		return ErrConfig
	case KindValidation:
		return ErrValidation
	case KindTransform:
		return ErrTransform
	case KindNoProvider:
		return ErrNoProvider
	case KindProvider:
		return ErrProvider
	case KindCircuit:
		return ErrCircuit
	case KindStream:
		return ErrStream
	default:
		return errors.New("gateway error")
	}
}

// Retryable reports whether a provider-facing status code should advance
// the failover loop to the next candidate rather than returning to the client.
func Retryable(statusCode int) bool {
	if statusCode >= 500 {
		return true
	}
	return statusCode == 408 || statusCode == 429
}

// AsGatewayError unwraps err into a *Error, synthesizing an opaque internal
// one (with correlationID) if err isn't already classified — the top-level
// catch-all mentioned in the error handling design.
func AsGatewayError(err error, correlationID string) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{
		Kind:    KindInternal,
		Code:    "INTERNAL_ERROR",
		Status:  500,
		Message: fmt.Sprintf("internal error (correlation id %s)", correlationID),
		err:     err,
	}
}
