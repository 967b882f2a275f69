package agents

import (
	"time"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

const (
	DeviceTypeDesktop = "desktop"
	DeviceTypeLaptop  = "laptop"
	DeviceTypeServer  = "server"
	DeviceTypeOther   = "other"
)

type Agent struct {
	ID           string
	Token        string
	Hostname     string
	Username     string
	IPAddress    string
	DeviceType   string
	Status       string
	SystemInfo   map[string]interface{}
	RegisteredAt time.Time
	LastSeenAt   time.Time
	DeletedAt    *time.Time
}

// RegisterInfo carries the fields an agent reports at registration and on
// every reconnect.
type RegisterInfo struct {
	Hostname   string
	Username   string
	IPAddress  string
	DeviceType string
	SystemInfo map[string]interface{}
}

type ConnectionLog struct {
	ID               string
	AgentID          string
	ConnectedAt      time.Time
	DisconnectedAt   *time.Time
	IPAddress        string
	DisconnectReason string
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status string
	Query  string // matches hostname or username, case-insensitive
}

func ValidDeviceType(t string) bool {
	switch t {
	case DeviceTypeDesktop, DeviceTypeLaptop, DeviceTypeServer, DeviceTypeOther:
		return true
	}
	return false
}
