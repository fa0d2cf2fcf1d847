package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hub.log")

	log, err := New(LogConfig{Level: "debug", Format: "json", Output: out})
	require.NoError(t, err)

	log.Info("stream started", "device_id", "cam-1", "fps", 12.5)
	log.Sync()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	line := string(data)
	assert.Contains(t, line, `"msg":"stream started"`)
	assert.Contains(t, line, `"device_id":"cam-1"`)
	assert.Contains(t, line, `"fps":12.5`)
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	log, err := New(LogConfig{Level: "chatty", Format: "text"})
	require.NoError(t, err)

	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestConvertFields(t *testing.T) {
	fields := convertFields("device_id", "fan-1", 42, "ignored", "error", errors.New("boom"), "dangling")

	require.Len(t, fields, 2)
	assert.Equal(t, "device_id", fields[0].Key)
	assert.Equal(t, "error", fields[1].Key)
	assert.Equal(t, zapcore.ErrorType, fields[1].Type)
}

func TestLogger_WithAndNamed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := &Logger{Logger: zap.New(core)}

	child := log.Named("video").With("device_id", "cam-7")
	child.Warn("read failed", "attempt", 3)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "video", entries[0].LoggerName)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "cam-7", ctx["device_id"])
	assert.EqualValues(t, 3, ctx["attempt"])
	assert.True(t, strings.HasPrefix(entries[0].Message, "read failed"))
}

func TestNewNopLogger(t *testing.T) {
	log := NewNopLogger()
	require.NotNil(t, log)
	log.Info("nothing happens", "k", "v")
	log.Sync()
}

func TestLogger_SetLevelAppliesToChildren(t *testing.T) {
	log, err := New(LogConfig{Level: "info", Format: "text"})
	require.NoError(t, err)
	child := log.Named("devices")
	assert.False(t, child.Core().Enabled(zapcore.DebugLevel))

	require.True(t, log.SetLevel("debug"))
	assert.True(t, child.Core().Enabled(zapcore.DebugLevel))

	assert.False(t, log.SetLevel("chatty"))
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel), "unknown levels are ignored")

	assert.False(t, NewNopLogger().SetLevel("debug"))
}
