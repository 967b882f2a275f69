package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/isidrovera/printer-management-sub000/internal/api/http/dto"
	"github.com/isidrovera/printer-management-sub000/internal/tunnels"
)

type TunnelHandler struct {
	broker *tunnels.Broker
}

func NewTunnelHandler(broker *tunnels.Broker) *TunnelHandler {
	return &TunnelHandler{broker: broker}
}

// Open requests a new tunnel. If a live tunnel already holds the same
// (remote_host, remote_port, local_port) key the request is rejected with
// 409 and the blocking tunnel's id, so the caller can close it and retry.
// POST /tunnels
func (h *TunnelHandler) Open(c *gin.Context) {
	var req dto.OpenTunnelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.broker.Open(c.Request.Context(), tunnels.OpenParams{
		AgentID:     req.AgentID,
		RemoteHost:  req.RemoteHost,
		RemotePort:  req.RemotePort,
		LocalPort:   req.LocalPort,
		SSHHost:     req.SSHHost,
		SSHPort:     req.SSHPort,
		SSHUser:     req.SSHUser,
		SSHPassword: req.SSHPassword,
		Description: req.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, tunnels.ErrTunnelConflict):
			resp := dto.TunnelConflictResponse{Error: "tunnel already exists for this target"}
			if t != nil {
				resp.ExistingTunnelID = t.TunnelID
			}
			c.JSON(http.StatusConflict, resp)
		case errors.Is(err, tunnels.ErrAgentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		case errors.Is(err, tunnels.ErrAgentNotLive):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent has no live session"})
		default:
			slog.Error("Failed to open tunnel", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open tunnel"})
		}
		return
	}

	c.JSON(http.StatusCreated, toTunnelResponse(t))
}

// List returns tunnel records, optionally filtered by agent or status.
// GET /tunnels
func (h *TunnelHandler) List(c *gin.Context) {
	filter := tunnels.ListFilter{
		AgentID: c.Query("agent_id"),
		Status:  tunnels.Status(c.Query("status")),
		Query:   c.Query("q"),
	}

	list, err := h.broker.List(c.Request.Context(), filter)
	if err != nil {
		slog.Error("Failed to list tunnels", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tunnels"})
		return
	}

	resp := dto.ListTunnelsResponse{
		Tunnels: make([]dto.TunnelResponse, 0, len(list)),
		Count:   len(list),
	}
	for i := range list {
		resp.Tunnels = append(resp.Tunnels, *toTunnelResponse(&list[i]))
	}
	c.JSON(http.StatusOK, resp)
}

// Get returns the current generation of a tunnel id.
// GET /tunnels/:id
func (h *TunnelHandler) Get(c *gin.Context) {
	t, err := h.broker.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, tunnels.ErrTunnelNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tunnel not found"})
			return
		}
		slog.Error("Failed to get tunnel", "tunnel_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get tunnel"})
		return
	}
	c.JSON(http.StatusOK, toTunnelResponse(t))
}

// Close tears a tunnel down. Closing an already-closed tunnel succeeds, so
// retries and double-clicks are harmless.
// DELETE /tunnels/:id
func (h *TunnelHandler) Close(c *gin.Context) {
	tunnelID := c.Param("id")

	if err := h.broker.Close(c.Request.Context(), tunnelID); err != nil {
		if errors.Is(err, tunnels.ErrTunnelNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tunnel not found"})
			return
		}
		slog.Error("Failed to close tunnel", "tunnel_id", tunnelID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to close tunnel"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "tunnel closed"})
}

func toTunnelResponse(t *tunnels.Tunnel) *dto.TunnelResponse {
	return &dto.TunnelResponse{
		TunnelID:    t.TunnelID,
		AgentID:     t.AgentID,
		RemoteHost:  t.RemoteHost,
		RemotePort:  t.RemotePort,
		LocalPort:   t.LocalPort,
		SSHHost:     t.SSHHost,
		SSHPort:     t.SSHPort,
		Description: t.Description,
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}
