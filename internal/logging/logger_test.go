package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLogger(level LogLevel) (*HearthLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: level, Format: "json", Output: &buf})
	return logger, &buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func TestInfoWithFields(t *testing.T) {
	logger, buf := jsonLogger(LevelInfo)

	logger.Info(context.Background(), "rebuild complete", "paths", 3, "changed", 2)

	record := lastRecord(t, buf)
	assert.Equal(t, "rebuild complete", record["msg"])
	assert.Equal(t, float64(3), record["paths"])
	assert.Equal(t, float64(2), record["changed"])
}

func TestErrorCarriesCause(t *testing.T) {
	logger, buf := jsonLogger(LevelInfo)

	logger.Error(context.Background(), errors.New("disk full"), "build failed")

	record := lastRecord(t, buf)
	assert.Equal(t, "disk full", record["error"])
}

func TestLevelFiltering(t *testing.T) {
	logger, buf := jsonLogger(LevelWarn)

	logger.Debug(context.Background(), "noise")
	logger.Info(context.Background(), "more noise")
	assert.Zero(t, buf.Len())

	logger.Warn(context.Background(), nil, "worth seeing")
	assert.NotZero(t, buf.Len())
}

func TestWithComponent(t *testing.T) {
	logger, buf := jsonLogger(LevelInfo)

	logger.WithComponent("watcher").Info(context.Background(), "started")

	record := lastRecord(t, buf)
	assert.Equal(t, "watcher", record["component"])
}

func TestWithFieldsPropagate(t *testing.T) {
	logger, buf := jsonLogger(LevelInfo)

	logger.With("batch", 7).Info(context.Background(), "processing")

	record := lastRecord(t, buf)
	assert.Equal(t, float64(7), record["batch"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warn"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("anything-else"))
}
