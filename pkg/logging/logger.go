package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the process-wide logger.
type Options struct {
	Level  string
	Format string
	// File, when set, tees records into a size-rotated log file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel maps a config string to a slog level, defaulting to info.
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

// InitLogger builds a logger from opts and installs it as the slog default.
// JSON output carries source locations; text output is meant for terminals.
func InitLogger(opts Options) *slog.Logger {
	var w io.Writer = os.Stdout
	if path := strings.TrimSpace(opts.File); path != "" {
		w = io.MultiWriter(os.Stdout, newRotatingFile(path, opts))
	}
	logger := slog.New(newHandler(w, opts))
	slog.SetDefault(logger)
	return logger
}

func newHandler(w io.Writer, opts Options) slog.Handler {
	lvl := ParseLevel(opts.Level)
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, AddSource: true})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
}

func newRotatingFile(path string, opts Options) *lumberjack.Logger {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 50
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 5
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 14
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}
