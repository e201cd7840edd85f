package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// ParseLevel maps a config string onto a slog level. Unknown values fall back to info.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// NewHandler builds the handler for a log format: "json", "text" or "pretty".
func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	if w == nil {
		w = os.Stdout
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: true})
	case "pretty":
		return charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmLevel(level),
			ReportTimestamp: true,
			Prefix:          "callscribe",
		})
	default:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
}

// InitLogger initializes the global logger and returns it.
func InitLogger(level, format string) *slog.Logger {
	lvl, ok := ParseLevel(level)
	logger := slog.New(NewHandler(os.Stdout, lvl, format))
	slog.SetDefault(logger)
	if !ok {
		logger.Warn("invalid log level specified, defaulting to INFO", "specified_level", level)
	}
	return logger
}

// NewComponentLogger creates a component-specific logger with context.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}

func charmLevel(level slog.Level) charmlog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmlog.DebugLevel
	case level <= slog.LevelInfo:
		return charmlog.InfoLevel
	case level <= slog.LevelWarn:
		return charmlog.WarnLevel
	default:
		return charmlog.ErrorLevel
	}
}
