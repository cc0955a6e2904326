package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger := NewLogger("production")
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", handler)
}

func TestNewLogger_Development_TextHandler(t *testing.T) {
	logger := NewLogger("development")
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.TextHandler)
	assert.True(t, ok, "development logger should use TextHandler, got %T", handler)
}

func TestNewLogger_UnknownEnv_TextHandler(t *testing.T) {
	logger := NewLogger("staging")
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.TextHandler)
	assert.True(t, ok, "unknown env logger should use TextHandler, got %T", handler)
}

func TestNew_Production_EmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "production")

	logger.Info("channel open", slog.String("identity", "alice"))

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "channel open", record["msg"])
	assert.Equal(t, "alice", record["identity"])
}

func TestNew_Development_EmitsText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "development")

	logger.Debug("frame dispatched", slog.String("kind", "presence"))

	out := buf.String()
	assert.Contains(t, out, "frame dispatched")
	assert.Contains(t, out, "kind=presence")
}

func TestNew_Production_InfoLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "production")

	// Production logs at Info but not Debug.
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(nil, slog.LevelDebug))

	logger.Debug("suppressed")
	assert.Empty(t, buf.String())
}

func TestNew_Development_DebugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "development")

	assert.True(t, logger.Handler().Enabled(nil, slog.LevelDebug))
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelInfo))
}
