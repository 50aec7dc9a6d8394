package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStructuredLogger_InvalidConfig(t *testing.T) {
	_, err := NewStructuredLoggerWithWriter(&LogConfig{Level: "verbose", Format: "json"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = NewStructuredLoggerWithWriter(&LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestTraceLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLoggerWithWriter(&LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	NewTraceLogger(logger, "0xabc").Info("追加交易", "step", 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "追加交易", record["msg"])
	assert.Equal(t, "death_tracer", record["component"])
	assert.Equal(t, "0xabc", record["channel_tx"])
	assert.Equal(t, float64(2), record["step"])
}

func TestStructuredLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLoggerWithWriter(&LogConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Info("忽略")
	logger.Warn("保留")

	out := buf.String()
	assert.NotContains(t, out, "忽略")
	assert.True(t, strings.Contains(out, "保留"))
}

func TestNewStructuredLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fibermon.log")
	logger, err := NewStructuredLogger(&LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	NewBalanceLogger(logger, "0x01").Info("分页查询", "page", 1)
	assert.NoError(t, logger.Close())
	assert.FileExists(t, path)
}
