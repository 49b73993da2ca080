package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// LoggingConfig selects the level, format and destination of the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File is the log file. Empty logs to stderr.
	File string `yaml:"file"`

	// Rotation applies when File is set.
	MaxSize    string `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DefaultLoggingConfig returns INFO text logging to stderr.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "INFO",
		Format:     "text",
		MaxSize:    "100MiB",
		MaxBackups: 5,
	}
}

// ParseLogLevel parses DEBUG, INFO, WARN (or WARNING) and ERROR in any case.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds a logger writing to w in the configured format.
func NewLogger(cfg LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

// SetupLogging builds the process logger and installs it as the slog
// default. The returned closer releases the log file, if any.
func SetupLogging(cfg LoggingConfig) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.File != "" {
		var maxSize int64
		if cfg.MaxSize != "" {
			n, err := ParseBytes(cfg.MaxSize)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid log max size: %w", err)
			}
			maxSize = n
		}
		rf, err := NewRotatingFile(RotationConfig{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxAgeDays: cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
		if err != nil {
			return nil, nil, err
		}
		out, closer = rf, rf
	}

	logger, err := NewLogger(cfg, out)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

// FormatBytes renders n in IEC units, e.g. "5.0 MiB".
func FormatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// ParseBytes parses sizes such as "50MiB", "5 MB" or "1048576". Both SI and
// IEC suffixes are accepted.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(n), nil
}
