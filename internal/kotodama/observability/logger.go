// Package observability configures structured logging for Kotodama.
//
// Every inbound chat message gets a trace ID (see common/trace); loggers
// obtained through WithTrace stamp it on each line so one message can be
// followed from the adapter through summarisation and the tool loop.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kotodama-bot/kotodama/common/redact"
	"github.com/kotodama-bot/kotodama/common/trace"
)

// ParseLevel maps "debug", "warn" and "error" to their slog levels. Anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a text or JSON ("json") logger writing to w.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup installs a stdout logger as the slog default.
func Setup(level, format string) {
	slog.SetDefault(NewLogger(os.Stdout, level, format))
}

// WithTrace returns a child of slog.Default carrying the trace_id in ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	return WithTraceFrom(ctx, slog.Default())
}

// WithTraceFrom is WithTrace for an explicit parent logger.
func WithTraceFrom(ctx context.Context, parent *slog.Logger) *slog.Logger {
	if parent == nil {
		parent = slog.Default()
	}
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return parent
	}
	return parent.With("trace_id", traceID)
}

// RedactSecrets replaces each secret in msg with [REDACTED].
func RedactSecrets(msg string, secrets ...string) string {
	return redact.String(msg, secrets...)
}
