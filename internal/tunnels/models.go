package tunnels

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusClosed   Status = "closed"
)

// blocking reports whether a tunnel in this status holds its key. Only
// creating and active block; error and closed keys are reusable.
func (s Status) blocking() bool {
	return s == StatusCreating || s == StatusActive
}

// Key is the system-wide uniqueness boundary for tunnels: the same remote
// endpoint and local port is the same logical tunnel no matter how many
// times it is recreated.
type Key struct {
	RemoteHost string
	RemotePort int
	LocalPort  int
}

// String is the canonical tunnel id, e.g. "10.0.0.5:22-8022".
func (k Key) String() string {
	return fmt.Sprintf("%s:%d-%d", k.RemoteHost, k.RemotePort, k.LocalPort)
}

// Tunnel is one generation of a tunnel key. RowID is unique per generation;
// TunnelID is the key string shared by every generation of the same key.
type Tunnel struct {
	RowID       string `json:"-"`
	TunnelID    string `json:"tunnel_id"`
	AgentID     string `json:"agent_id"`
	RemoteHost  string `json:"remote_host"`
	RemotePort  int    `json:"remote_port"`
	LocalPort   int    `json:"local_port"`
	SSHHost     string `json:"ssh_host,omitempty"`
	SSHPort     int    `json:"ssh_port,omitempty"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (t *Tunnel) Key() Key {
	return Key{RemoteHost: t.RemoteHost, RemotePort: t.RemotePort, LocalPort: t.LocalPort}
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	AgentID string
	Status  Status
	Query   string // matches tunnel_id, remote host or description
}
