// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureAttachesServiceAndVersion(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "reaper-test", Version: "v0.0.0-test"})

	logger := WithComponent("unit")
	logger.Info().Str("event", "test.emit").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "reaper-test", entry["service"])
	assert.Equal(t, "v0.0.0-test", entry["version"])
	assert.Equal(t, "unit", entry["component"])
	assert.Equal(t, "test.emit", entry["event"])
}

func TestWithContextCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "reaper-test"})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithTickID(ctx, "tick-9")

	logger := WithComponentFromContext(ctx, "scheduler")
	logger.Info().Msg("tick")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "tick-9", entry["tick_id"])
	assert.Equal(t, "scheduler", entry["component"])
}

func TestContextAccessorsOnNilContext(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(nil))
	assert.Empty(t, TickIDFromContext(nil))
}
