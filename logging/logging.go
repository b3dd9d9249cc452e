// Package logging builds the slog-backed logger used by the bookstore command.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	bookstore "github.com/aalmada/BookStore-sub002"
)

// Config configures the logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewSlog creates a *slog.Logger writing text or JSON records.
func NewSlog(cfg Config) *slog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return slog.New(handler)
}

// New creates a bookstore.Logger from cfg.
func New(cfg Config) *bookstore.SlogLogger {
	return bookstore.NewSlogLogger(NewSlog(cfg))
}
