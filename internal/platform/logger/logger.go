package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a structured logger with the given level and format,
// tagged with the service name so log lines from multiple processes
// can be told apart.
// level: "debug", "info", "warn", "error" (default "info").
// format: "json" or "text" (default "json").
func New(service, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	if strings.ToLower(format) == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With(slog.String("service", service))
}
