package utils

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"DEBUG", slog.LevelDebug, false},
		{"debug", slog.LevelDebug, false},
		{"Info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger_Formats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LoggingConfig{Level: "WARN", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "key", "a/b")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "a/b", rec["key"])

	buf.Reset()
	logger, err = NewLogger(LoggingConfig{Level: "INFO", Format: "text"}, &buf)
	require.NoError(t, err)
	logger.Info("hello", "part", 3)
	assert.Contains(t, buf.String(), "msg=hello part=3")

	_, err = NewLogger(LoggingConfig{Format: "xml"}, &buf)
	assert.Error(t, err)
}

func TestSetupLogging_File(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	file := filepath.Join(t.TempDir(), "logs", "bucketfs.log")
	cfg := DefaultLoggingConfig()
	cfg.File = file
	cfg.Format = "json"

	logger, closer, err := SetupLogging(cfg)
	require.NoError(t, err)
	assert.Same(t, logger, slog.Default())

	slog.Info("mounted", "mount_point", "/mnt/b")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mount_point":"/mnt/b"`)
}

func TestSetupLogging_Errors(t *testing.T) {
	_, _, err := SetupLogging(LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	_, _, err = SetupLogging(LoggingConfig{File: filepath.Join(t.TempDir(), "x.log"), MaxSize: "lots"})
	assert.Error(t, err)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", FormatBytes(0))
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "5.0 MiB", FormatBytes(5<<20))
	assert.Equal(t, "-1.0 KiB", FormatBytes(-1024))
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1048576", 1 << 20, false},
		{"50MiB", 50 << 20, false},
		{"5 MiB", 5 << 20, false},
		{"2GiB", 2 << 30, false},
		{"5MB", 5_000_000, false},
		{"", 0, true},
		{"five", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBytes(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
