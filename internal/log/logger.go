// Package log implements structured logging using slog.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"firestige.xyz/tcpfollow/internal/config"
)

// Init initializes the global logger based on configuration.
func Init(cfg config.LogConfig) error {
	// stderr is always included; stdout is left to the followed streams.
	out := NewMultiWriter().Add(os.Stderr)
	if cfg.Outputs.File.Enabled {
		if cfg.Outputs.File.Path == "" {
			return fmt.Errorf("file output requires 'path' field")
		}
		out.AddFileAppender(cfg.Outputs.File)
	}

	handler, err := NewHandler(cfg, out)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// NewHandler builds the slog handler for cfg writing to w.
func NewHandler(cfg config.LogConfig, w io.Writer) (slog.Handler, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	case "pattern":
		if cfg.Pattern == "" {
			return nil, fmt.Errorf("pattern format requires a pattern")
		}
		return newPatternHandler(w, level, cfg.Pattern, cfg.TimeFormat), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json, text or pattern)", cfg.Format)
	}
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}
