package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/worldgate/internal/shared"
	"github.com/mattn/go-isatty"
)

// Options configures NewLogger.
type Options struct {
	// HomeDir receives logs/system.jsonl. Empty disables the file sink, which is
	// how the in-task agent runs (containers log to stdout).
	HomeDir   string
	Level     string
	Quiet     bool
	Component string
	// Stdout defaults to os.Stdout.
	Stdout *os.File
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	lvl := parseLevel(opts.Level)
	hopts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	var handlers []slog.Handler
	var closer io.Closer = nopCloser{}
	if opts.HomeDir != "" {
		logDir := filepath.Join(opts.HomeDir, "logs")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, err
		}
		file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewJSONHandler(file, hopts))
		closer = file
	}
	if !opts.Quiet {
		if isatty.IsTerminal(stdout.Fd()) || isatty.IsCygwinTerminal(stdout.Fd()) {
			handlers = append(handlers, slog.NewTextHandler(stdout, hopts))
		} else {
			handlers = append(handlers, slog.NewJSONHandler(stdout, hopts))
		}
	}
	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewJSONHandler(io.Discard, hopts))
	}

	component := opts.Component
	if component == "" {
		component = "worldgate"
	}
	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = teeHandler(handlers)
	}
	logger := slog.New(h).With("component", component, "trace_id", "-")
	return logger, closer, nil
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// teeHandler fans records out to several handlers.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "access_key", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
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
