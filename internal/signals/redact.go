package signals

import "strings"

// sensitiveKeys lists the payload keys redacted before a signal result is
// returned to a caller.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
}

// redactPayload returns a shallow copy of payload with sensitive keys
// replaced by a fixed marker. Nested maps are redacted recursively;
// non-map values are left untouched.
func redactPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if isSensitiveKey(k) {
			out[k] = "[redacted]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactPayload(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	return sensitiveKeys[strings.ToLower(key)]
}
