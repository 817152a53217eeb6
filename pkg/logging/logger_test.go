package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestSessionLoggerAddsContext(t *testing.T) {
	var buf bytes.Buffer
	base := initLogger(&buf, slog.LevelInfo, "json")
	defer slog.SetDefault(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	NewSessionLogger(base, "capture", "sess-1", "chan-1").Info("speaker_stream_created")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "capture", line["component"])
	assert.Equal(t, "sess-1", line["session_id"])
	assert.Equal(t, "chan-1", line["channel_id"])
	assert.Equal(t, "speaker_stream_created", line["msg"])
}
