package redact_test

import (
	"testing"

	"github.com/kotodama-bot/kotodama/common/redact"
)

func TestString(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		secrets []string
		want    string
	}{
		{
			name:    "bearer token",
			in:      "Authorization: Bearer xoxb-1234-abcd failed",
			secrets: []string{"xoxb-1234-abcd"},
			want:    "Authorization: Bearer [REDACTED] failed",
		},
		{
			name:    "several secrets",
			in:      "llm=sk-live-aaa discord=MTk4.bbb end",
			secrets: []string{"sk-live-aaa", "MTk4.bbb"},
			want:    "llm=[REDACTED] discord=[REDACTED] end",
		},
		{
			name:    "query escaped",
			in:      "GET https://api.example/search?key=a%2Fb%2Bc&q=x",
			secrets: []string{"a/b+c"},
			want:    "GET https://api.example/search?key=[REDACTED]&q=x",
		},
		{
			name:    "short values skipped",
			in:      "abc token",
			secrets: []string{"abc", ""},
			want:    "abc token",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redact.String(tt.in, tt.secrets...); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMap(t *testing.T) {
	m := map[string]any{
		"db_path":         "./data/kotodama.db",
		"control_token":   "t0ken",
		"llm_api_key":     "sk-123",
		"matrix_password": "",
		"max_messages":    50,
	}
	out := redact.Map(m)

	want := map[string]any{
		"db_path":         "./data/kotodama.db",
		"control_token":   "[REDACTED]",
		"llm_api_key":     "[REDACTED]",
		"matrix_password": "",
		"max_messages":    50,
	}
	for k, v := range want {
		if out[k] != v {
			t.Errorf("out[%q] = %v, want %v", k, out[k], v)
		}
	}
	if m["control_token"] != "t0ken" {
		t.Error("Map mutated its input")
	}
}

func TestSensitiveKey(t *testing.T) {
	for _, k := range []string{"API_KEY", "accessToken", "Authorization", "client_secret"} {
		if !redact.SensitiveKey(k) {
			t.Errorf("SensitiveKey(%q) = false", k)
		}
	}
	for _, k := range []string{"model", "db_path", "max_messages"} {
		if redact.SensitiveKey(k) {
			t.Errorf("SensitiveKey(%q) = true", k)
		}
	}
}
