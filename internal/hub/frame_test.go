package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isidrovera/printer-management-sub000/internal/events"
)

func TestDecodeEnvelopeStructured(t *testing.T) {
	env, structured, err := DecodeEnvelope([]byte(`{"type":"log","correlation_id":"c-1","payload":{"message":"hi"}}`))
	require.NoError(t, err)
	require.True(t, structured)
	assert.Equal(t, FrameLog, env.Type)
	assert.Equal(t, "c-1", env.CorrelationID)
}

func TestDecodeEnvelopeLegacyText(t *testing.T) {
	_, structured, err := DecodeEnvelope([]byte("Printer HP-4520 installed successfully"))
	require.NoError(t, err)
	assert.False(t, structured)
}

func TestDecodeEnvelopeLeadingWhitespace(t *testing.T) {
	env, structured, err := DecodeEnvelope([]byte("  \n{\"type\":\"log\"}"))
	require.NoError(t, err)
	require.True(t, structured)
	assert.Equal(t, FrameLog, env.Type)
}

func TestDecodeEnvelopeEmpty(t *testing.T) {
	_, structured, err := DecodeEnvelope([]byte("  "))
	require.NoError(t, err)
	assert.False(t, structured)
}

func TestDecodeEnvelopeMalformedJSON(t *testing.T) {
	// Looked structured, so it must not fall back to text handling.
	_, structured, err := DecodeEnvelope([]byte(`{"type":"log"`))
	assert.Error(t, err)
	assert.True(t, structured)
}

func TestDecodeEnvelopeMissingType(t *testing.T) {
	_, structured, err := DecodeEnvelope([]byte(`{"payload":{}}`))
	assert.Error(t, err)
	assert.True(t, structured)
}

func TestClassifyLogLine(t *testing.T) {
	assert.Equal(t, events.LevelError, ClassifyLogLine("ERROR: spooler crashed"))
	assert.Equal(t, events.LevelWarning, ClassifyLogLine("warning: low toner"))
	assert.Equal(t, events.LevelSuccess, ClassifyLogLine("Driver install completed"))
	assert.Equal(t, events.LevelSuccess, ClassifyLogLine("printer added successfully"))
	assert.Equal(t, events.LevelInfo, ClassifyLogLine("heartbeat"))
}

func TestClassifyLogLineErrorBeatsSuccess(t *testing.T) {
	assert.Equal(t, events.LevelError, ClassifyLogLine("install completed with error"))
}

func TestEncodeCommandRoundTrip(t *testing.T) {
	frame, err := EncodeCommand("c-42", "open_tunnel", json.RawMessage(`{"local_port":8022}`))
	require.NoError(t, err)

	env, structured, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	require.True(t, structured)
	assert.Equal(t, FrameCommand, env.Type)
	assert.Equal(t, "c-42", env.CorrelationID)

	var payload struct {
		Kind string          `json:"kind"`
		Args json.RawMessage `json:"args"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "open_tunnel", payload.Kind)
	assert.JSONEq(t, `{"local_port":8022}`, string(payload.Args))
}

func TestEncodeCommandNoArgs(t *testing.T) {
	frame, err := EncodeCommand("c-7", "close_tunnel", nil)
	require.NoError(t, err)

	env, _, err := DecodeEnvelope(frame)
	require.NoError(t, err)

	var payload struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "close_tunnel", payload.Kind)
}
