package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatlink/common/middleware"
)

func TestNewWithWriter_Formats(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")
	logger.Info("hello", Source("splunk-prod"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "splunk-prod", entry[FieldSource])

	buf.Reset()
	text := NewWithWriter(&buf, slog.LevelInfo, "text")
	text.Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestWithContext_RequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	logger.InfoContext(ctx, "webhook accepted")
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)

	buf.Reset()
	logger.InfoContext(context.Background(), "webhook accepted")
	assert.NotContains(t, buf.String(), "request_id")
}

func TestLevelsFiltered(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelWarn, "json")

	logger.DebugContext(context.Background(), "debug")
	logger.InfoContext(context.Background(), "info")
	assert.Empty(t, buf.String())

	logger.WarnContext(context.Background(), "warn")
	assert.Contains(t, buf.String(), "WARN")
	logger.ErrorContext(context.Background(), "boom")
	assert.Contains(t, buf.String(), "ERROR")
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")
	logger.Component("correlation").Info("run complete")
	assert.Contains(t, buf.String(), `"component":"correlation"`)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestSetDefault(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	logger := New(slog.LevelInfo, "json")
	SetDefault(logger)
	assert.Same(t, logger.Logger, slog.Default())
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := slog.Default()
	assert.Same(t, l, OrDiscard(l))
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, "alert_key", AlertKey("splunk:1").Key)
	assert.Equal(t, int64(1500), Duration(1500*time.Millisecond).Value.Int64())
	assert.Equal(t, "bad", Error(errors.New("bad")).Value.String())
	assert.Equal(t, "<nil>", Error(nil).Value.String())
	assert.Equal(t, int64(3), Attempt(3).Value.Int64())
}
