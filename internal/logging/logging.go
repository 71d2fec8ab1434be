// Package logging provides structured logging setup for telemetryd.
//
// It wraps the standard library's log/slog package. The daemon builds one
// logger at startup and hands component-scoped children to each part of the
// pipeline; components never reach for global logger state.
//
// Usage:
//
//	log := logging.New(slog.LevelInfo, false) // text output
//	v, err := schema.NewValidator(dir, true, logging.Component(log, "schema"))
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// New builds a logger writing to stdout with the given level.
// If jsonFormat is true, entries are emitted as JSON; otherwise as
// human-readable text. Source locations are attached at debug level.
func New(level slog.Level, jsonFormat bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// NewWithHandler builds a logger with a custom handler. Useful for tests.
func NewWithHandler(handler slog.Handler) *slog.Logger {
	return slog.New(handler)
}

// Component returns a child logger scoped to a named component.
// The component name is added as an attribute to every entry.
func Component(log *slog.Logger, name string) *slog.Logger {
	if log == nil {
		log = New(slog.LevelInfo, false)
	}
	return log.With("component", name)
}

// ParseLevel converts a config level string to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}
