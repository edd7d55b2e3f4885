package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mentorchat/internal/config"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	log, err := New(config.LogConfig{Level: "debug", File: path}, true)
	require.NoError(t, err)

	log.Info("stream started", zap.String("session_id", "7"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, `"msg":"stream started"`)
	assert.Contains(t, line, `"session_id":"7"`)
	assert.Contains(t, line, `"level":"INFO"`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "chatty"}, false)
	assert.Error(t, err)
}

func TestNewFileHonoursLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.log")
	log := NewFile(path, zapcore.WarnLevel)
	log.Info("hidden")
	log.Warn("shown")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}
