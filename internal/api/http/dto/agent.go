package dto

import "time"

type MintTokenResponse struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

type RegisterAgentRequest struct {
	Token      string                 `json:"token" binding:"required"`
	Hostname   string                 `json:"hostname"`
	Username   string                 `json:"username"`
	DeviceType string                 `json:"device_type"`
	SystemInfo map[string]interface{} `json:"system_info"`
}

type AgentResponse struct {
	ID           string                 `json:"id"`
	Hostname     string                 `json:"hostname,omitempty"`
	Username     string                 `json:"username,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	DeviceType   string                 `json:"device_type"`
	Status       string                 `json:"status"`
	SystemInfo   map[string]interface{} `json:"system_info,omitempty"`
	RegisteredAt time.Time              `json:"registered_at"`
	LastSeenAt   time.Time              `json:"last_seen_at,omitempty"`
	Connected    bool                   `json:"connected"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Count  int             `json:"count"`
}

type LogEventResponse struct {
	Type          string                 `json:"type"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Level         string                 `json:"level,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Time          time.Time              `json:"time"`
}

type AgentLogsResponse struct {
	Events []LogEventResponse `json:"events"`
	Count  int                `json:"count"`
}

type ConnectionLogResponse struct {
	ID               string     `json:"id"`
	ConnectedAt      time.Time  `json:"connected_at"`
	DisconnectedAt   *time.Time `json:"disconnected_at,omitempty"`
	IPAddress        string     `json:"ip_address,omitempty"`
	DisconnectReason string     `json:"disconnect_reason,omitempty"`
}
