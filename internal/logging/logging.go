package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a level name to a slog level. Unknown names report false.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "dev", "development", "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error", "production", "prod":
		return slog.LevelError, true
	default:
		return slog.LevelError, false
	}
}

// Init installs the default logger on stderr. level comes from config or the
// --log-level flag; when empty, LOG_LEVEL is used, and production only shows
// errors.
func Init(level string) *slog.Logger {
	return InitWriter(os.Stderr, level)
}

func InitWriter(w io.Writer, level string) *slog.Logger {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	lvl, _ := ParseLevel(level)

	logger := slog.New(
		slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: lvl,
		}),
	)
	slog.SetDefault(logger)
	return logger
}
