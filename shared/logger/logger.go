package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config holds logger configuration
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Output       string // stdout, stderr, or file path
	EnableSource bool
	TimeFormat   string // console only, defaults to RFC3339

	writer io.Writer // overrides Output in tests
}

// Logger is a slog.Logger that may own its output file
type Logger struct {
	*slog.Logger
	closer io.Closer
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds a logger from config. Unknown formats fall back to JSON.
func New(config *Config) (*Logger, error) {
	w, closer, err := openOutput(config)
	if err != nil {
		return nil, err
	}

	level := parseLevel(config.Level)
	var h slog.Handler
	if config.Format == "console" || config.Format == "" {
		tf := config.TimeFormat
		if tf == "" {
			tf = time.RFC3339
		}
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  config.EnableSource,
			TimeFormat: tf,
			NoColor:    closer != nil,
		})
	} else {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: config.EnableSource})
	}

	return &Logger{Logger: slog.New(h), closer: closer}, nil
}

func openOutput(config *Config) (io.Writer, io.Closer, error) {
	switch {
	case config.writer != nil:
		return config.writer, nil, nil
	case config.Output == "stderr":
		return os.Stderr, nil, nil
	case config.Output == "stdout" || config.Output == "":
		return os.Stdout, nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(config.Output), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, f, nil
}

// NewDefault returns an info-level console logger on stdout, used before config is loaded
func NewDefault() *Logger {
	return &Logger{Logger: slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
	}))}
}

// Close releases the log file, if the logger writes to one
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func parseLevel(level string) slog.Level {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return lvl
	}
	return slog.LevelInfo
}

func (l *Logger) derive(h slog.Handler) *Logger {
	return &Logger{Logger: slog.New(h), closer: l.closer}
}

// WithAttrs returns a logger that adds attrs to every record
func (l *Logger) WithAttrs(attrs ...slog.Attr) *Logger {
	return l.derive(l.Handler().WithAttrs(attrs))
}

// With returns a logger that adds key-value pairs to every record
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), closer: l.closer}
}
