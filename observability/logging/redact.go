package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// sensitiveKeys lists log keys whose values must never reach a log line in
// the clear. Key material and the master secret are the obvious entries;
// encoded payloads are included because they embed the deposit nonce.
var sensitiveKeys = map[string]struct{}{
	"seed":           {},
	"ciphertext":     {},
	"authtag":        {},
	"salt":           {},
	"iv":             {},
	"mastersecret":   {},
	"encodedpayload": {},
	"nonce":          {},
}

// IsSensitive reports whether the provided key must be masked before logging.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskField returns a slog.Attr that redacts the value when the key is
// sensitive. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
