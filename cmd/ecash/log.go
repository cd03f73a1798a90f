package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fox-one/ecash"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogger installs the default slog logger described by cfg and returns
// a func closing the log file, if any.
func setupLogger(cfg ecash.LogConfig) func() {
	var (
		out     io.Writer = os.Stdout
		closeFn           = func() {}
	)

	if cfg.File != "" {
		rotate := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}

		out = io.MultiWriter(os.Stdout, rotate)
		closeFn = func() { _ = rotate.Close() }
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler).With(slog.String("service", "ecash")))
	return closeFn
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
