package dto

import "encoding/json"

type DispatchCommandRequest struct {
	Kind           string          `json:"kind" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

type DispatchCommandResponse struct {
	CorrelationID string `json:"correlation_id"`
}
