package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

type Config struct {
	Level  string // debug, info, warn, error
	Format string // console, json
	Output io.Writer
}

// New builds the process logger: a colored tint handler for consoles and the
// slog JSON handler for log shippers.
func New(config Config) *slog.Logger {
	level := ParseLevel(config.Level)
	writer := config.Output
	if writer == nil {
		writer = os.Stdout
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(config.Format)) {
	case "json":
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(writer, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    writer != os.Stdout && writer != os.Stderr,
		})
	}
	return slog.New(handler)
}

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

// Discard returns a logger for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
