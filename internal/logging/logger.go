// Package logging constructs the slog logger used by every strata service.
// Loggers are passed in explicitly; there is no package-level singleton.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

type Config struct {
	Level string // "debug"|"info"|"warn"|"error"
	JSON  bool   // true -> JSON, false -> colored console
}

// New builds a logger writing to stderr so command output stays clean on
// stdout.
func New(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)

	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		h = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
