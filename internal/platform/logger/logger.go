package logger

import (
	"io"
	"log/slog"
	"strings"
)

// Level maps the CLI verbosity flags to a level name: --debug wins over
// --quiet, --quiet keeps errors only, otherwise "info".
func Level(debug, quiet bool) string {
	switch {
	case debug:
		return "debug"
	case quiet:
		return "error"
	default:
		return "info"
	}
}

// New returns a structured logger writing to w with the given level and
// format. level: "debug", "info", "warn", "error" (default "info").
// format: "json" or "text" (default "text").
func New(w io.Writer, level, format string) *slog.Logger {
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
	if strings.ToLower(format) == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	return slog.New(h)
}
