package hub

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/isidrovera/printer-management-sub000/internal/events"
)

// Frame types understood on the agent channel. JSON envelopes are the
// primary contract; anything that is not an envelope is treated as a legacy
// free-text log line.
const (
	FrameAgentStatus   = "agent_status"
	FramePrinterStatus = "printer_status"
	FrameLog           = "log"
	FrameError         = "error"
	FrameCommandResult = "command_result"
	FrameCommand       = "command"
)

// Envelope is the structured frame shape, both directions.
type Envelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// ResultPayload is the payload of a command_result frame.
type ResultPayload struct {
	Status string `json:"status"` // "ok" or "error"
	Detail string `json:"detail,omitempty"`
}

// LogPayload is the payload of a structured log frame.
type LogPayload struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// StatusPayload is the payload of an agent_status frame.
type StatusPayload struct {
	Hostname   string                 `json:"hostname,omitempty"`
	Username   string                 `json:"username,omitempty"`
	DeviceType string                 `json:"device_type,omitempty"`
	SystemInfo map[string]interface{} `json:"system_info,omitempty"`
}

// DecodeEnvelope attempts to parse a frame as a JSON envelope. The second
// return is false for anything that should fall back to legacy text
// handling, the error is non-nil only for frames that looked structured but
// are malformed (dropped, never reinterpreted as text).
func DecodeEnvelope(data []byte) (*Envelope, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false, nil
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, true, err
	}
	if env.Type == "" {
		return nil, true, errMissingType
	}
	return &env, true, nil
}

// ClassifyLogLine maps a legacy free-text line to a log level by keyword
// scan. Best-effort fallback for agents that do not speak the envelope
// protocol.
func ClassifyLogLine(line string) events.Level {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"):
		return events.LevelError
	case strings.Contains(lower, "warning"):
		return events.LevelWarning
	case strings.Contains(lower, "success"), strings.Contains(lower, "completed"):
		return events.LevelSuccess
	default:
		return events.LevelInfo
	}
}

// EncodeCommand builds the outbound command frame for an agent.
func EncodeCommand(correlationID, kind string, args json.RawMessage) ([]byte, error) {
	payload, err := json.Marshal(struct {
		Kind string          `json:"kind"`
		Args json.RawMessage `json:"args,omitempty"`
	}{Kind: kind, Args: args})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:          FrameCommand,
		CorrelationID: correlationID,
		Payload:       payload,
	})
}
