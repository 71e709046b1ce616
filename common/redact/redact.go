// Package redact strips credentials from strings and key/value maps before
// they reach logs, error replies or the control server.
//
// Platform tokens, LLM keys and search API keys must never be echoed back to
// a chat channel or written to a log line. Redaction works on string forms
// only; call sites should still avoid logging secrets in the first place.
package redact

import (
	"net/url"
	"strings"
)

const placeholder = "[REDACTED]"

// minSecretLen guards against replacing common short substrings.
const minSecretLen = 4

// String replaces every occurrence of each secret in s with [REDACTED].
// Secrets shorter than four characters are ignored.
func String(s string, secrets ...string) string {
	for _, v := range secrets {
		if len(v) < minSecretLen {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
		// URLs carry the escaped form.
		if esc := url.QueryEscape(v); esc != v {
			s = strings.ReplaceAll(s, esc, placeholder)
		}
	}
	return s
}

// Map returns a shallow copy of m in which non-empty string values under
// credential-looking keys are replaced.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if str, ok := v.(string); ok && str != "" && SensitiveKey(k) {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// SensitiveKey reports whether a config or query key name suggests a
// credential.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
