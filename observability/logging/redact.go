package logging

import "strings"

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Custodial key material enables spending from deposit addresses and must
// never appear in output visible to participants or operators.
var sensitiveKeys = map[string]struct{}{
	"custodialkey":  {},
	"custodial_key": {},
	"privatekey":    {},
	"private_key":   {},
	"privkey":       {},
	"secret":        {},
	"rpcpassword":   {},
	"rpc_password":  {},
}

// IsSensitive reports whether the attribute key names credential material
// that must be redacted.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// RedactAttributes returns a copy of the attribute map with every sensitive
// value replaced by the redaction placeholder.
func RedactAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for key, value := range attrs {
		if IsSensitive(key) {
			out[key] = RedactedValue
			continue
		}
		out[key] = value
	}
	return out
}
