// Package netlog configures the structured logger shared by every
// packet-plane component. NetGuard never logs through bare fmt.Println or
// the unconfigured "log" package — every component pulls a *slog.Logger
// scoped with a "component" attribute.
package netlog

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls level and output shape.
type Config struct {
	Level      string // DEBUG, INFO, WARN, ERROR
	Structured bool   // true => JSON, false => key=value text
	Output     io.Writer
}

// Configure builds the root logger and installs it as slog's default so
// packages that haven't been handed a logger explicitly still get
// consistent output.
func Configure(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a logger scoped to a single packet-plane component,
// e.g. netlog.Component(root, "capture").
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}
