package config

import "encoding/json"

// Secret wraps a credential value and masks it from fmt/log output and from
// YAML/JSON marshaling errors that might otherwise echo it back. The literal
// key is reachable only through Value(), which transports call when building
// an auth header.
type Secret string

// MarshalJSON redacts the credential whenever a config or provider struct is
// serialized over HTTP (GET /config, GET /providers).
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Value returns the raw credential. Call this only at the point a transport
// needs it for an outbound request.
func (s Secret) Value() string { return string(s) }

// String implements fmt.Stringer so %s, %v and slog attribute values never
// print the credential.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString prevents leakage via %#v.
func (s Secret) GoString() string { return "config.Secret(\"[REDACTED]\")" }

// Redacted returns the masked form of the credential, the same text as
// String.
func (s Secret) Redacted() string { return s.String() }
