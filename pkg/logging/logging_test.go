package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZapLogger(Config{Level: DebugLevel, Format: "json", Output: &buf})

	logger.With(Component("router")).Info("delivered", String("type", "TASK"), Int("hop", 3))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "delivered", entry["message"])
	assert.Equal(t, "router", entry["component"])
	assert.Equal(t, "TASK", entry["type"])
	assert.EqualValues(t, 3, entry["hop"])
}

func TestZapLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZapLogger(Config{Level: WarnLevel, Format: "json", Output: &buf})

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown", Err(errors.New("boom")))
	assert.Contains(t, buf.String(), "boom")
}

func TestZapLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := NewFromZap(zap.New(core))

	ctx := WithAgent(WithRunID(context.Background(), "run-1"), "manager")
	logger.WithContext(ctx).Debug("dispatch")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "manager", fields["agent"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("bogus"))
}
