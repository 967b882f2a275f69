package dto

import "time"

type OpenTunnelRequest struct {
	AgentID     string `json:"agent_id" binding:"required"`
	RemoteHost  string `json:"remote_host" binding:"required"`
	RemotePort  int    `json:"remote_port" binding:"required,min=1,max=65535"`
	LocalPort   int    `json:"local_port" binding:"required,min=1,max=65535"`
	SSHHost     string `json:"ssh_host"`
	SSHPort     int    `json:"ssh_port"`
	SSHUser     string `json:"ssh_user"`
	SSHPassword string `json:"ssh_password"`
	Description string `json:"description"`
}

type TunnelResponse struct {
	TunnelID    string    `json:"tunnel_id"`
	AgentID     string    `json:"agent_id"`
	RemoteHost  string    `json:"remote_host"`
	RemotePort  int       `json:"remote_port"`
	LocalPort   int       `json:"local_port"`
	SSHHost     string    `json:"ssh_host,omitempty"`
	SSHPort     int       `json:"ssh_port,omitempty"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ListTunnelsResponse struct {
	Tunnels []TunnelResponse `json:"tunnels"`
	Count   int              `json:"count"`
}

type TunnelConflictResponse struct {
	Error            string `json:"error"`
	ExistingTunnelID string `json:"existing_tunnel_id"`
}
